package appointment

// Field names a writable appointment attribute, as it appears on the wire.
type Field string

const (
	FieldStart     Field = "start_time"
	FieldEnd       Field = "end_time"
	FieldStatus    Field = "status"
	FieldReason    Field = "reason"
	FieldPatientID Field = "patient_id"
	FieldDoctorID  Field = "doctor_id"
)

type statusSet map[Status]bool

type fieldSet map[Field]bool

var allStatuses = statusSet{
	StatusRequested: true,
	StatusConfirmed: true,
	StatusCancelled: true,
	StatusCompleted: true,
}

var allFields = fieldSet{
	FieldStart:     true,
	FieldEnd:       true,
	FieldStatus:    true,
	FieldReason:    true,
	FieldPatientID: true,
	FieldDoctorID:  true,
}

// Target statuses each role may move an appointment to. Roles missing from
// the table may not change status at all.
var transitionTable = map[Role]statusSet{
	RolePatient:         {StatusCancelled: true},
	RoleDoctor:          {StatusCompleted: true},
	RoleReceptionist:    allStatuses,
	RolePracticeManager: allStatuses,
}

// Fields each role may include in an update.
var writableFields = map[Role]fieldSet{
	RolePatient:         {FieldStatus: true},
	RoleDoctor:          {FieldStatus: true},
	RoleReceptionist:    allFields,
	RolePracticeManager: allFields,
}

func allowedTargets(a Actor) statusSet {
	if a.Superuser {
		return allStatuses
	}
	return transitionTable[a.Role]
}

func allowedFields(a Actor) fieldSet {
	if a.Superuser {
		return allFields
	}
	return writableFields[a.Role]
}

// CheckWritableKey rejects a raw update key outside actor's write scope.
// Actors scoped to a subset of fields get ErrRestrictedFieldUpdate for any
// other key. Full-scope actors only get ErrUnknownField, for keys that name
// no field.
func CheckWritableKey(actor Actor, key string) error {
	allowed := allowedFields(actor)
	if allowed[Field(key)] {
		return nil
	}
	if len(allowed) == len(allFields) {
		return fieldErr(key, ErrUnknownField)
	}
	return fieldErr(key, ErrRestrictedFieldUpdate)
}

// Transition validates moving an appointment from current to target on
// behalf of actor. The role check runs first, then the terminal lock on
// COMPLETED. Requests for the current status are accepted as no-ops when
// they pass both checks. Unknown target statuses are in no role's set.
func Transition(actor Actor, current, target Status) error {
	if !allowedTargets(actor)[target] {
		return fieldErr(string(FieldStatus), ErrForbiddenTransition)
	}
	if current == StatusCompleted {
		return fieldErr(string(FieldStatus), ErrTerminalState)
	}
	return nil
}

// checkWritableFields rejects any field outside the actor's write scope.
func checkWritableFields(actor Actor, fields []Field) error {
	allowed := allowedFields(actor)
	for _, f := range fields {
		if !allowed[f] {
			return fieldErr(string(f), ErrRestrictedFieldUpdate)
		}
	}
	return nil
}
