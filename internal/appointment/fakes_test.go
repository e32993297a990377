package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository, Directory and AuditSink. WithDoctorTx
// holds the repo lock for the whole unit, so units never interleave.
type memRepo struct {
	mu       sync.Mutex
	appts    map[uuid.UUID]Appointment
	doctors  map[uuid.UUID]bool
	patients map[uuid.UUID]*uuid.UUID
	events   []AuditEvent
	clock    time.Time

	// failTx makes the next n units fail with ErrConcurrentWrite.
	failTx    int
	txDelay   time.Duration
	auditErr  error
	lastQuery Query
	txCount   int
	listCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		appts:    make(map[uuid.UUID]Appointment),
		doctors:  make(map[uuid.UUID]bool),
		patients: make(map[uuid.UUID]*uuid.UUID),
		clock:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) addDoctor() uuid.UUID {
	id := uuid.New()
	r.doctors[id] = true
	return id
}

func (r *memRepo) addPatient(doctorID *uuid.UUID) uuid.UUID {
	id := uuid.New()
	r.patients[id] = doctorID
	return id
}

// put stores a directly, bypassing the service.
func (r *memRepo) put(a Appointment) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.clock = r.clock.Add(time.Second)
	a.CreatedAt, a.UpdatedAt = r.clock, r.clock
	r.appts[a.ID] = a
	return a
}

func (r *memRepo) get(id uuid.UUID) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appts[id]
}

func (r *memRepo) auditEvents() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEvent(nil), r.events...)
}

func (r *memRepo) activeByDoctor(doctorID uuid.UUID, window Interval) []Appointment {
	var out []Appointment
	for _, a := range r.appts {
		if a.DoctorID == nil || *a.DoctorID != doctorID || a.Status == StatusCancelled {
			continue
		}
		if a.Start.Before(window.End) && a.End.After(window.Start) {
			out = append(out, a)
		}
	}
	return out
}

func (r *memRepo) ListActiveByDoctor(_ context.Context, doctorID uuid.UUID, window Interval) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	return r.activeByDoctor(doctorID, window), nil
}

func (r *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *memRepo) ListAppointments(_ context.Context, q Query) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastQuery = q

	var out []Appointment
	for _, a := range r.appts {
		if q.DoctorID != nil && (a.DoctorID == nil || *a.DoctorID != *q.DoctorID) {
			continue
		}
		if q.PatientID != nil && a.PatientID != *q.PatientID {
			continue
		}
		if q.From != nil && a.Start.Before(*q.From) {
			continue
		}
		if q.Before != nil && !a.Start.Before(*q.Before) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })

	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *memRepo) WithDoctorTx(ctx context.Context, _ *uuid.UUID, fn func(ctx context.Context, s Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	time.Sleep(r.txDelay)

	if r.failTx > 0 {
		r.failTx--
		return ErrConcurrentWrite
	}

	tx := &memTx{repo: r, pending: make(map[uuid.UUID]Appointment)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, a := range tx.pending {
		r.appts[id] = a
	}
	return nil
}

func (r *memRepo) IsDoctor(_ context.Context, id uuid.UUID) (bool, error) {
	return r.doctors[id], nil
}

func (r *memRepo) IsPatient(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := r.patients[id]
	return ok, nil
}

func (r *memRepo) AssignedDoctor(_ context.Context, patientID uuid.UUID) (*uuid.UUID, error) {
	doctorID, ok := r.patients[patientID]
	if !ok {
		return nil, errors.New("no such patient")
	}
	return doctorID, nil
}

func (r *memRepo) RecordEvent(_ context.Context, ev AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.auditErr != nil {
		return r.auditErr
	}
	r.events = append(r.events, ev)
	return nil
}

// memTx is the Store handed to a unit. It runs with the repo lock held and
// buffers writes until the unit succeeds.
type memTx struct {
	repo    *memRepo
	pending map[uuid.UUID]Appointment
}

func (t *memTx) ListActiveByDoctor(_ context.Context, doctorID uuid.UUID, window Interval) ([]Appointment, error) {
	return t.repo.activeByDoctor(doctorID, window), nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	a.ID = uuid.New()
	t.repo.clock = t.repo.clock.Add(time.Second)
	a.CreatedAt, a.UpdatedAt = t.repo.clock, t.repo.clock
	t.pending[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, a *Appointment, expectedUpdatedAt time.Time) error {
	cur, ok := t.repo.appts[a.ID]
	if !ok {
		return ErrNotFound
	}
	if !cur.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrConcurrentWrite
	}
	t.repo.clock = t.repo.clock.Add(time.Second)
	a.UpdatedAt = t.repo.clock
	t.pending[a.ID] = *a
	return nil
}

// countingRecorder is a metrics.Recorder that counts calls.
type countingRecorder struct {
	mu        sync.Mutex
	written   map[string]int
	conflicts map[string]int
	retries   map[string]int
	audits    int
	observed  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		written:   make(map[string]int),
		conflicts: make(map[string]int),
		retries:   make(map[string]int),
		observed:  make(map[string]int),
	}
}

func (c *countingRecorder) AppointmentWritten(op, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written[op+"/"+status]++
}

func (c *countingRecorder) SchedulingConflict(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts[op]++
}

func (c *countingRecorder) WriteRetried(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[op]++
}

func (c *countingRecorder) AuditFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audits++
}

func (c *countingRecorder) ObserveOperation(op, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed[op+"/"+outcome]++
}
