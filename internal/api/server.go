// Package api is the management HTTP surface: periodic task records, one-off
// queue tasks, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"localbeat/internal/domain"
	"localbeat/internal/queue"
	"localbeat/internal/retry"
	"localbeat/internal/schedule"
	"localbeat/internal/scheduler"
	"localbeat/internal/store"
)

// Records is the periodic task store as the API uses it.
type Records interface {
	List(ctx context.Context) ([]domain.PeriodicTask, error)
	Get(ctx context.Context, name string) (domain.PeriodicTask, error)
	Save(ctx context.Context, t domain.PeriodicTask, cond store.Precondition) (domain.PeriodicTask, error)
	Delete(ctx context.Context, name string) error
}

// StatsSource reports scheduler counters. It is nil when beat is disabled.
type StatsSource interface {
	Stats() scheduler.Stats
}

type Deps struct {
	Queue    queue.Repository
	Records  Records
	Beat     StatsSource
	Location *time.Location
	Log      zerolog.Logger
	Debug    bool
}

type Server struct {
	r       *chi.Mux
	repo    queue.Repository
	records Records
	beat    StatsSource
	loc     *time.Location
	log     zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(d.Log), middleware.Recoverer)

	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{r: r, repo: d.Queue, records: d.Records, beat: d.Beat, loc: loc, log: d.Log}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.submitTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
	})
	r.Route("/api/periodic-tasks", func(r chi.Router) {
		r.Get("/", s.listPeriodic)
		r.Post("/", s.createPeriodic)
		r.Get("/{name}", s.getPeriodic)
		r.Put("/{name}", s.updatePeriodic)
		r.Delete("/{name}", s.deletePeriodic)
		r.Post("/{name}/run", s.runPeriodic)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return r
}

func accessLog(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "localbeat_up 1")
	if s.beat == nil {
		return
	}
	st := s.beat.Stats()
	fmt.Fprintf(w, "localbeat_beat_entries %d\n", st.Entries)
	fmt.Fprintf(w, "localbeat_beat_dispatched_total %d\n", st.Dispatched)
	fmt.Fprintf(w, "localbeat_beat_dispatch_failures_total %d\n", st.DispatchFailures)
	fmt.Fprintf(w, "localbeat_beat_sync_failures_total %d\n", st.SyncFailures)
	if !st.LastRefresh.IsZero() {
		fmt.Fprintf(w, "localbeat_beat_last_refresh_seconds %d\n", st.LastRefresh.Unix())
	}
}

type submitReq struct {
	Task           string         `json:"task"`
	Args           []any          `json:"args"`
	Kwargs         map[string]any `json:"kwargs"`
	Queue          string         `json:"queue"`
	Priority       int            `json:"priority"`
	MaxAttempts    int            `json:"max_attempts"`
	SoftTimeLimit  int            `json:"soft_time_limit"`
	IdempotencyKey *string        `json:"idempotency_key"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, errors.New("task is required"))
		return
	}
	body, err := json.Marshal(queue.Payload{Args: req.Args, Kwargs: req.Kwargs})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), domain.Task{
		Type: req.Task, Payload: body, Queue: req.Queue, Priority: req.Priority,
		MaxAttempts: req.MaxAttempts, IdempotencyKey: req.IdempotencyKey,
		VisibilityTimeout: req.SoftTimeLimit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

type taskView struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	Queue       string     `json:"queue"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Priority    int        `json:"priority"`
	NextRunAt   time.Time  `json:"next_run_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func viewOf(t domain.Task) taskView {
	return taskView{
		ID: t.ID, Task: t.Type, Queue: t.Queue, State: t.State, Attempts: t.Attempts,
		MaxAttempts: t.MaxAttempts, Priority: t.Priority, NextRunAt: t.NextRunAt,
		ExpiresAt: t.ExpiresAt, LastError: t.LastError, CreatedAt: t.CreatedAt,
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	tasks, err := s.repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// periodicView adds the schedule display string to a record.
type periodicView struct {
	domain.PeriodicTask
	Schedule string `json:"schedule"`
}

func (s *Server) view(t domain.PeriodicTask) periodicView {
	v := periodicView{PeriodicTask: t}
	if rule, err := schedule.FromRecord(t, s.loc); err == nil {
		v.Schedule = rule.String()
	}
	return v
}

func (s *Server) listPeriodic(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]periodicView, 0, len(recs))
	for _, t := range recs {
		out = append(out, s.view(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPeriodic(w http.ResponseWriter, r *http.Request) {
	t, err := s.records.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(t))
}

// definition is the client-editable part of a record. Run state is owned by
// the schedulers.
type definition struct {
	Name           string           `json:"name"`
	Task           string           `json:"task"`
	Interval       *domain.Interval `json:"interval"`
	Crontab        *domain.Crontab  `json:"crontab"`
	Args           []any            `json:"args"`
	Kwargs         map[string]any   `json:"kwargs"`
	Queue          string           `json:"queue"`
	Exchange       string           `json:"exchange"`
	RoutingKey     string           `json:"routing_key"`
	SoftTimeLimit  int              `json:"soft_time_limit"`
	Expires        *time.Time       `json:"expires"`
	Enabled        *bool            `json:"enabled"`
	StartAfter     *time.Time       `json:"start_after"`
	RunImmediately bool             `json:"run_immediately"`
	MaxRunCount    int              `json:"max_run_count"`
	Description    string           `json:"description"`
	// Version, when set, must match the stored record.
	Version int64 `json:"version"`
}

// apply copies the definition onto t, keeping t's run state.
func (d definition) apply(t *domain.PeriodicTask) {
	t.Task = d.Task
	t.Interval, t.Crontab = d.Interval, d.Crontab
	t.Args, t.Kwargs = d.Args, d.Kwargs
	t.Queue, t.Exchange, t.RoutingKey = d.Queue, d.Exchange, d.RoutingKey
	t.SoftTimeLimit, t.Expires = d.SoftTimeLimit, d.Expires
	t.Enabled = d.Enabled == nil || *d.Enabled
	t.StartAfter = d.StartAfter
	t.RunImmediately = t.RunImmediately || d.RunImmediately
	t.MaxRunCount = d.MaxRunCount
	t.Description = d.Description
}

// check validates the record and its schedule fields.
func (s *Server) check(t domain.PeriodicTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := schedule.FromRecord(t, s.loc)
	return err
}

func (s *Server) createPeriodic(w http.ResponseWriter, r *http.Request) {
	var d definition
	if err := decode(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t := domain.PeriodicTask{Name: d.Name}
	d.apply(&t)
	if err := s.check(t); err != nil {
		s.fail(w, err)
		return
	}
	saved, err := s.records.Save(r.Context(), t, store.Precondition{Absent: true})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info().Str("entry", saved.Name).Str("schedule", s.view(saved).Schedule).Msg("periodic task created")
	writeJSON(w, http.StatusCreated, s.view(saved))
}

func (s *Server) updatePeriodic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var d definition
	if err := decode(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	saved, err := s.modify(r.Context(), name, d.Version, func(t *domain.PeriodicTask) error {
		d.apply(t)
		return s.check(*t)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(saved))
}

func (s *Server) runPeriodic(w http.ResponseWriter, r *http.Request) {
	saved, err := s.modify(r.Context(), chi.URLParam(r, "name"), 0, func(t *domain.PeriodicTask) error {
		t.RunImmediately = true
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.view(saved))
}

// modify applies f to the stored record and writes it back conditioned on the
// version it read. With a client version the write is attempted once;
// otherwise a lost race is retried once against a fresh read.
func (s *Server) modify(ctx context.Context, name string, version int64, f func(*domain.PeriodicTask) error) (domain.PeriodicTask, error) {
	var saved domain.PeriodicTask
	attempt := func(ctx context.Context, try int) error {
		t, err := s.records.Get(ctx, name)
		if err != nil {
			return err
		}
		if version > 0 && t.Version != version {
			return fmt.Errorf("%w: %s is at version %d", store.ErrConflict, name, t.Version)
		}
		if err := f(&t); err != nil {
			return err
		}
		out, err := s.records.Save(ctx, t, store.Precondition{Version: t.Version})
		if err != nil {
			return err
		}
		saved = out
		return nil
	}
	if version > 0 {
		return saved, attempt(ctx, 0)
	}
	err := retry.OnConflict(ctx, store.ErrConflict, retry.Jitter(100*time.Millisecond), attempt)
	return saved, err
}

func (s *Server) deletePeriodic(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, domain.ErrScheduleConflict),
		errors.Is(err, domain.ErrScheduleMissing),
		errors.Is(err, domain.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
