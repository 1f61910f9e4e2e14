package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/api"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/booking"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/config"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ReserveRatio float64
	CancelRatio  float64
	ReadRatio    float64
	Patients     int
	Caregivers   int
	Days         int
	Vaccines     int
	InitialDoses int
}

type booked struct {
	id      int64
	patient string
}

// DataPool holds the participants created for this run and the
// appointments the workers have booked so far.
type DataPool struct {
	Patients   []string
	Caregivers []string
	Vaccines   []string
	Dates      []booking.Date

	mu           sync.Mutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

// TakeRandomAppointment removes and returns a random booked appointment.
func (dp *DataPool) TakeRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	idx := rng.Intn(len(dp.appointments))
	b := dp.appointments[idx]
	last := len(dp.appointments) - 1
	dp.appointments[idx] = dp.appointments[last]
	dp.appointments = dp.appointments[:last]
	return b, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Rejected  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, rejected bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if rejected {
		atomic.AddInt64(&om.Rejected, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]

	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Reserve          OperationMetrics
	Cancel           OperationMetrics
	ListAppointments OperationMetrics
	ListAvailability OperationMetrics
	GetVaccine       OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *slog.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load base config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(baseCfg.LogLevel).With("component", "simulate")
	slog.SetDefault(logger)

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger.Info("simulator starting",
		"duration", cfg.Duration,
		"workers", cfg.Workers,
		"reserve", cfg.ReserveRatio,
		"cancel", cfg.CancelRatio,
		"read", cfg.ReadRatio,
	)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	setupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := sim.Setup(setupCtx); err != nil {
		logger.Error("setup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("setup complete",
		"patients", len(sim.pool.Patients),
		"caregivers", len(sim.pool.Caregivers),
		"vaccines", len(sim.pool.Vaccines),
		"days", len(sim.pool.Dates),
	)

	if err := sim.Run(context.Background()); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}

	sim.PrintReport()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), time.Minute)
	defer cancelVerify()

	if err := sim.Verify(verifyCtx); err != nil {
		logger.Error("invariant check failed", "error", err)
		os.Exit(1)
	}
	logger.Info("invariants hold")
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		ReserveRatio: getFloat("SIM_RESERVE_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		Patients:     getInt("SIM_PATIENTS", 200),
		Caregivers:   getInt("SIM_CAREGIVERS", 20),
		Days:         getInt("SIM_DAYS", 7),
		Vaccines:     getInt("SIM_VACCINES", 3),
		InitialDoses: getInt("SIM_INITIAL_DOSES", 50),
	}

	// Normalize ratios
	total := cfg.ReserveRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 || cfg.Caregivers <= 0 || cfg.Days <= 0 || cfg.Vaccines <= 0 {
		return fmt.Errorf("SIM_PATIENTS, SIM_CAREGIVERS, SIM_DAYS and SIM_VACCINES must be > 0")
	}
	if cfg.InitialDoses < 0 {
		return fmt.Errorf("SIM_INITIAL_DOSES must be >= 0")
	}
	return nil
}

// Setup creates a fresh set of vaccines and caregiver slots through the API.
// Names carry a run prefix so repeated runs against one store stay disjoint.
func (s *Simulator) Setup(ctx context.Context) error {
	run := strings.Split(uuid.NewString(), "-")[0]
	pool := &DataPool{}

	for i := 0; i < s.config.Patients; i++ {
		pool.Patients = append(pool.Patients, fmt.Sprintf("sim-%s-p%d", run, i))
	}
	for i := 0; i < s.config.Caregivers; i++ {
		pool.Caregivers = append(pool.Caregivers, fmt.Sprintf("sim-%s-c%d", run, i))
	}
	tomorrow := booking.DateOf(time.Now().UTC()).AddDays(1)
	for d := 0; d < s.config.Days; d++ {
		pool.Dates = append(pool.Dates, tomorrow.AddDays(d))
	}

	admin := pool.Caregivers[0]
	for i := 0; i < s.config.Vaccines; i++ {
		name := fmt.Sprintf("sim-%s-v%d", run, i)
		status, err := s.do(ctx, http.MethodPost, "/vaccines", admin, booking.RoleCaregiver,
			api.CreateVaccineRequest{Name: name, Doses: s.config.InitialDoses}, nil)
		if err != nil {
			return fmt.Errorf("create vaccine %s: %w", name, err)
		}
		if status != http.StatusCreated {
			return fmt.Errorf("create vaccine %s: unexpected status %d", name, status)
		}
		pool.Vaccines = append(pool.Vaccines, name)
	}

	for _, caregiver := range pool.Caregivers {
		for _, date := range pool.Dates {
			status, err := s.do(ctx, http.MethodPost, "/availability", caregiver, booking.RoleCaregiver,
				api.PublishAvailabilityRequest{Date: date.String()}, nil)
			if err != nil {
				return fmt.Errorf("publish %s on %s: %w", caregiver, date, err)
			}
			if status != http.StatusNoContent {
				return fmt.Errorf("publish %s on %s: unexpected status %d", caregiver, date, status)
			}
		}
	}

	s.pool = pool
	return nil
}

func (s *Simulator) Run(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", "duration", s.config.Duration, "workers", s.config.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(gctx, workerID)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("simulation complete")
	return nil
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			if r < s.config.ReserveRatio {
				s.doReserve(ctx, rng)
			} else if r < s.config.ReserveRatio+s.config.CancelRatio {
				s.doCancel(ctx, rng)
			} else {
				switch rng.Intn(3) {
				case 0:
					s.doListAppointments(ctx, rng)
				case 1:
					s.doListAvailability(ctx, rng)
				case 2:
					s.doGetVaccine(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) doReserve(ctx context.Context, rng *rand.Rand) {
	patient := pick(rng, s.pool.Patients)
	req := api.ReserveRequest{
		Date:    pick(rng, s.pool.Dates).String(),
		Vaccine: pick(rng, s.pool.Vaccines),
	}

	start := time.Now()
	var resp api.ReservationResponse
	status, err := s.do(ctx, http.MethodPost, "/appointments", patient, booking.RolePatient, req, &resp)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}

	success := err == nil && status == http.StatusCreated
	if success {
		s.pool.AddAppointment(booked{id: resp.AppointmentID, patient: patient})
	}
	s.metrics.Reserve.Record(latency, success, err == nil && isRejection(status))
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	path := fmt.Sprintf("/appointments/%d/cancel", b.id)
	status, err := s.do(ctx, http.MethodPost, path, b.patient, booking.RolePatient, nil, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		// outcome unknown, keep it for the final check
		s.pool.AddAppointment(b)
		return
	}

	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusNoContent, err == nil && isRejection(status))
}

func (s *Simulator) doListAppointments(ctx context.Context, rng *rand.Rand) {
	patient := pick(rng, s.pool.Patients)

	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, "/appointments", patient, booking.RolePatient, nil, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ListAppointments.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListAvailability(ctx context.Context, rng *rand.Rand) {
	patient := pick(rng, s.pool.Patients)
	path := "/availability?date=" + url.QueryEscape(pick(rng, s.pool.Dates).String())

	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, path, patient, booking.RolePatient, nil, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ListAvailability.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doGetVaccine(ctx context.Context, rng *rand.Rand) {
	patient := pick(rng, s.pool.Patients)
	path := "/vaccines/" + url.PathEscape(pick(rng, s.pool.Vaccines))

	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, path, patient, booking.RolePatient, nil, nil)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.GetVaccine.Record(latency, err == nil && status == http.StatusOK, false)
}

// Verify reads the final state back and checks that no dose was oversold,
// no caregiver day is double booked and appointment ids are unique.
func (s *Simulator) Verify(ctx context.Context) error {
	active := make(map[string]int, len(s.pool.Vaccines))
	seenIDs := make(map[int64]struct{})
	seenSlots := make(map[string]int64)
	var problems []string

	for _, patient := range s.pool.Patients {
		var list []api.AppointmentResponse
		status, err := s.do(ctx, http.MethodGet, "/appointments", patient, booking.RolePatient, nil, &list)
		if err != nil {
			return fmt.Errorf("list appointments of %s: %w", patient, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("list appointments of %s: unexpected status %d", patient, status)
		}

		for _, a := range list {
			if _, dup := seenIDs[a.AppointmentID]; dup {
				problems = append(problems, fmt.Sprintf("appointment id %d returned twice", a.AppointmentID))
			}
			seenIDs[a.AppointmentID] = struct{}{}

			slot := a.CounterpartUsername + "@" + a.Date.String()
			if other, dup := seenSlots[slot]; dup {
				problems = append(problems, fmt.Sprintf("slot %s booked by appointments %d and %d", slot, other, a.AppointmentID))
			}
			seenSlots[slot] = a.AppointmentID
			active[a.Vaccine]++
		}
	}

	for _, name := range s.pool.Vaccines {
		var v api.VaccineResponse
		status, err := s.do(ctx, http.MethodGet, "/vaccines/"+url.PathEscape(name), s.pool.Patients[0], booking.RolePatient, nil, &v)
		if err != nil {
			return fmt.Errorf("get vaccine %s: %w", name, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("get vaccine %s: unexpected status %d", name, status)
		}
		if want := s.config.InitialDoses - active[name]; v.Doses != want {
			problems = append(problems, fmt.Sprintf("vaccine %s has %d doses, want %d (%d active)", name, v.Doses, want, active[name]))
		}
		if v.Doses < 0 {
			problems = append(problems, fmt.Sprintf("vaccine %s has negative stock %d", name, v.Doses))
		}
	}

	fmt.Printf("Verified %d active appointments across %d patients\n", len(seenIDs), len(s.pool.Patients))
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Println("  VIOLATION:", p)
		}
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// do sends one request as the given participant and decodes a 2xx body into
// out when out is non-nil.
func (s *Simulator) do(ctx context.Context, method, path, username string, role booking.Role, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.HeaderUsername, username)
	req.Header.Set(api.HeaderRole, string(role))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

// isRejection reports whether the status is an expected business outcome
// under contention rather than a failure.
func isRejection(status int) bool {
	return status == http.StatusNotFound || status == http.StatusConflict || status == http.StatusTooManyRequests
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.Intn(len(items))]
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List appointments", &s.metrics.ListAppointments)
	printOperationReport("List availability", &s.metrics.ListAvailability)
	printOperationReport("Get vaccine", &s.metrics.GetVaccine)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, float64(rejected)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
