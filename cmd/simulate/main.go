package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicflow/appointment-scheduling/internal/api"
	"github.com/clinicflow/appointment-scheduling/internal/appointment"
	"github.com/clinicflow/appointment-scheduling/internal/config"
	"github.com/clinicflow/appointment-scheduling/internal/db"
	"github.com/clinicflow/appointment-scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	DoctorLimit  int
	BookingRatio float64
	CancelRatio  float64
}

type patientRef struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
	Token    string
}

// DataPool holds what workers pick from: patients with an assigned doctor
// among the first DoctorLimit doctors, one staff token, and the
// appointments created so far.
type DataPool struct {
	Patients   []patientRef
	Doctors    []uuid.UUID
	StaffToken string

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rand.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Percentile(p int) time.Duration {
	om.mu.Lock()
	defer om.mu.Unlock()
	if len(om.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), om.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := min(len(sorted)*p/100, len(sorted)-1)
	return sorted[idx]
}

type Simulator struct {
	cfg    SimConfig
	pool   *DataPool
	client *http.Client
	day    string
	grid   []appointment.Interval
	log    zerolog.Logger

	Booking      OperationMetrics
	SelfBooking  OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
}

func main() {
	log := logger.New(os.Stdout, "info", true)
	log.Info().Msg("simulator starting")

	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 3),
		BookingRatio: 0.6,
		CancelRatio:  0.1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	data, err := loadDataPool(ctx, pgPool, []byte(baseCfg.JWTSecret), cfg.DoctorLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(data.Patients)).Int("doctors", len(data.Doctors)).Msg("data pool loaded")

	// Two days out keeps the simulation clear of seeded bookings.
	day := time.Now().UTC().AddDate(0, 0, 2)
	window, _ := appointment.DefaultSlotParams().Window(day)

	sim := &Simulator{
		cfg:    cfg,
		pool:   data,
		client: &http.Client{Timeout: 10 * time.Second},
		day:    appointment.FormatDay(day),
		grid:   appointment.EnumerateSlots(window, appointment.SlotLength),
		log:    log,
	}

	sim.Run()
	sim.Report()

	overlaps, err := countOverlaps(context.Background(), pgPool)
	if err != nil {
		log.Fatal().Err(err).Msg("overlap check")
	}
	if overlaps > 0 {
		log.Fatal().Int("pairs", overlaps).Msg("overlapping appointments found")
	}
	log.Info().Msg("no overlapping appointments")
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, secret []byte, doctorLimit int) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM users WHERE role = 'DOCTOR' ORDER BY id LIMIT $1`, doctorLimit)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Doctors = append(dp.Doctors, id)
	}
	rows.Close()
	if len(dp.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors found, run the seed command first")
	}

	rows, err = pool.Query(ctx, `
		SELECT user_id, assigned_doctor_id
		FROM patient_profiles
		WHERE assigned_doctor_id = ANY($1)
		LIMIT 500
	`, dp.Doctors)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p patientRef
		if err := rows.Scan(&p.ID, &p.DoctorID); err != nil {
			rows.Close()
			return nil, err
		}
		p.Token, err = api.IssueToken(secret, appointment.Actor{ID: p.ID, Role: appointment.RolePatient}, time.Hour)
		if err != nil {
			rows.Close()
			return nil, err
		}
		dp.Patients = append(dp.Patients, p)
	}
	rows.Close()
	if len(dp.Patients) == 0 {
		return nil, fmt.Errorf("no patients assigned to the selected doctors")
	}

	var staffID uuid.UUID
	if err := pool.QueryRow(ctx, `SELECT id FROM users WHERE role = 'RECEPTIONIST' LIMIT 1`).Scan(&staffID); err != nil {
		return nil, fmt.Errorf("load receptionist: %w", err)
	}
	dp.StaffToken, err = api.IssueToken(secret, appointment.Actor{ID: staffID, Role: appointment.RoleReceptionist}, time.Hour)
	if err != nil {
		return nil, err
	}

	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				s.step(ctx)
			}
		}()
	}
	wg.Wait()
}

func (s *Simulator) step(ctx context.Context) {
	roll := rand.Float64()
	p := s.pool.Patients[rand.Intn(len(s.pool.Patients))]
	slot := s.grid[rand.Intn(len(s.grid))]

	switch {
	case roll < s.cfg.BookingRatio/2:
		s.call(ctx, &s.Booking, s.pool.StaffToken, http.MethodPost, "/api/appointments", map[string]any{
			"patient_id": p.ID,
			"doctor_id":  p.DoctorID,
			"start_time": appointment.FormatTimestamp(slot.Start),
			"end_time":   appointment.FormatTimestamp(slot.End),
			"reason":     "simulated booking",
		})
	case roll < s.cfg.BookingRatio:
		s.call(ctx, &s.SelfBooking, p.Token, http.MethodPost, "/api/appointments", map[string]any{
			"start_time": appointment.FormatTimestamp(slot.Start),
			"end_time":   appointment.FormatTimestamp(slot.End),
		})
	case roll < s.cfg.BookingRatio+s.cfg.CancelRatio:
		id, ok := s.pool.RandomAppointment()
		if !ok {
			return
		}
		s.call(ctx, &s.Cancel, s.pool.StaffToken, http.MethodPatch, "/api/appointments/"+id.String(), map[string]any{
			"status": appointment.StatusCancelled,
		})
	default:
		path := fmt.Sprintf("/api/appointments/availability?date=%s&doctor=%s", s.day, p.DoctorID)
		s.call(ctx, &s.Availability, p.Token, http.MethodGet, path, nil)
	}
}

func (s *Simulator) call(ctx context.Context, om *OperationMetrics, token, method, path string, body any) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.APIBaseURL+path, reader)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(time.Since(start), 0)
		}
		return
	}
	defer resp.Body.Close()
	om.Record(time.Since(start), resp.StatusCode)

	if method == http.MethodPost && resp.StatusCode == http.StatusCreated {
		var created api.AppointmentResponse
		if err := json.NewDecoder(resp.Body).Decode(&created); err == nil {
			s.pool.AddAppointment(created.ID)
		}
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
}

func (s *Simulator) Report() {
	for _, row := range []struct {
		name string
		om   *OperationMetrics
	}{
		{"staff booking", &s.Booking},
		{"patient booking", &s.SelfBooking},
		{"cancel", &s.Cancel},
		{"availability", &s.Availability},
	} {
		s.log.Info().
			Str("op", row.name).
			Int64("total", atomic.LoadInt64(&row.om.Total)).
			Int64("success", atomic.LoadInt64(&row.om.Success)).
			Int64("conflict", atomic.LoadInt64(&row.om.Conflict)).
			Int64("error", atomic.LoadInt64(&row.om.Error)).
			Dur("p50", row.om.Percentile(50)).
			Dur("p95", row.om.Percentile(95)).
			Msg("simulation result")
	}
}

// countOverlaps counts pairs of non-cancelled appointments of one doctor
// whose intervals overlap.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.doctor_id = b.doctor_id
		 AND a.id < b.id
		 AND a.start_time < b.end_time
		 AND a.end_time > b.start_time
		WHERE a.status <> 'CANCELLED'
		  AND b.status <> 'CANCELLED'
	`).Scan(&n)
	return n, err
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
