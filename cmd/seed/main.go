package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicflow/appointment-scheduling/internal/api"
	"github.com/clinicflow/appointment-scheduling/internal/appointment"
	"github.com/clinicflow/appointment-scheduling/internal/config"
	"github.com/clinicflow/appointment-scheduling/internal/db"
	"github.com/clinicflow/appointment-scheduling/internal/logger"
)

const (
	doctorCount       = 20
	patientCount      = 2000
	receptionistCount = 3
	bookingsPerDoctor = 8
	patientBatchSize  = 500
)

var visitReasons = []string{
	"annual checkup",
	"follow up",
	"blood test results",
	"repeat prescription",
	"persistent cough",
	"back pain",
	"vaccination",
}

func main() {
	log := logger.New(os.Stdout, "info", true)
	log.Info().Msg("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	s := &seeder{pool: pool, faker: faker, log: log}

	doctors, err := s.seedUsers(ctx, appointment.RoleDoctor, doctorCount, false)
	if err != nil {
		log.Fatal().Err(err).Msg("seed doctors")
	}
	staff, err := s.seedUsers(ctx, appointment.RoleReceptionist, receptionistCount, false)
	if err != nil {
		log.Fatal().Err(err).Msg("seed receptionists")
	}
	managers, err := s.seedUsers(ctx, appointment.RolePracticeManager, 1, true)
	if err != nil {
		log.Fatal().Err(err).Msg("seed practice manager")
	}
	patients, err := s.seedPatients(ctx, patientCount, doctors)
	if err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}
	if err := s.seedBookings(ctx, doctors, patients); err != nil {
		log.Fatal().Err(err).Msg("seed bookings")
	}

	secret := []byte(cfg.JWTSecret)
	printToken(log, secret, appointment.Actor{ID: doctors[0], Role: appointment.RoleDoctor})
	printToken(log, secret, appointment.Actor{ID: staff[0], Role: appointment.RoleReceptionist})
	printToken(log, secret, appointment.Actor{ID: managers[0], Role: appointment.RolePracticeManager, Superuser: true})
	printToken(log, secret, appointment.Actor{ID: patients[0].id, Role: appointment.RolePatient})

	log.Info().Msg("seed complete")
}

type seeder struct {
	pool  *pgxpool.Pool
	faker *gofakeit.Faker
	log   zerolog.Logger
}

type seededPatient struct {
	id       uuid.UUID
	doctorID *uuid.UUID
}

func (s *seeder) username(role appointment.Role) string {
	return fmt.Sprintf("%s.%s", strings.ToLower(string(role)), strings.ToLower(s.faker.Username()+s.faker.DigitN(4)))
}

func (s *seeder) seedUsers(ctx context.Context, role appointment.Role, count int, superuser bool) ([]uuid.UUID, error) {
	s.log.Info().Str("role", string(role)).Int("count", count).Msg("seeding users")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		if err := insertUser(ctx, tx, id, s.username(role), s.faker.Name(), role, superuser); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// seedPatients assigns each patient a random doctor; roughly one in twenty
// stays unassigned.
func (s *seeder) seedPatients(ctx context.Context, count int, doctors []uuid.UUID) ([]seededPatient, error) {
	s.log.Info().Int("count", count).Msg("seeding patients")

	patients := make([]seededPatient, 0, count)
	for offset := 0; offset < count; offset += patientBatchSize {
		end := min(offset+patientBatchSize, count)

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			p := seededPatient{id: uuid.New()}
			if s.faker.Number(1, 20) > 1 {
				d := doctors[s.faker.Number(0, len(doctors)-1)]
				p.doctorID = &d
			}

			if err := insertUser(ctx, tx, p.id, s.username(appointment.RolePatient), s.faker.Name(), appointment.RolePatient, false); err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO patient_profiles (user_id, assigned_doctor_id)
				VALUES ($1, $2)
			`, p.id, p.doctorID)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			patients = append(patients, p)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		s.log.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return patients, nil
}

// seedBookings places confirmed appointments on tomorrow's grid, at most one
// per slot per doctor.
func (s *seeder) seedBookings(ctx context.Context, doctors []uuid.UUID, patients []seededPatient) error {
	byDoctor := make(map[uuid.UUID][]uuid.UUID)
	for _, p := range patients {
		if p.doctorID != nil {
			byDoctor[*p.doctorID] = append(byDoctor[*p.doctorID], p.id)
		}
	}

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	window, _ := appointment.DefaultSlotParams().Window(tomorrow)
	grid := appointment.EnumerateSlots(window, appointment.SlotLength)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	total := 0
	for _, doctorID := range doctors {
		mine := byDoctor[doctorID]
		if len(mine) == 0 {
			continue
		}
		for _, idx := range rand.Perm(len(grid))[:min(bookingsPerDoctor, len(grid))] {
			slot := grid[idx]
			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, patient_id, doctor_id, start_time, end_time, status, reason, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 'CONFIRMED', $6, now(), now())
			`, uuid.New(), mine[s.faker.Number(0, len(mine)-1)], doctorID, slot.Start, slot.End, s.faker.RandomString(visitReasons))
			if err != nil {
				return err
			}
			total++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info().Int("count", total).Str("day", appointment.FormatDay(tomorrow)).Msg("bookings seeded")
	return nil
}

func insertUser(ctx context.Context, tx pgx.Tx, id uuid.UUID, username, name string, role appointment.Role, superuser bool) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO users (id, username, full_name, role, is_superuser, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, id, username, name, role, superuser)
	return err
}

func printToken(log zerolog.Logger, secret []byte, actor appointment.Actor) {
	token, err := api.IssueToken(secret, actor, 24*time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("issue token")
		return
	}
	log.Info().
		Str("user_id", actor.ID.String()).
		Str("role", string(actor.Role)).
		Bool("superuser", actor.Superuser).
		Str("token", token).
		Msg("bearer token")
}
