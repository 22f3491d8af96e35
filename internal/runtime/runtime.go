package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/agent"
	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/collaborator"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/eventstore"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/session"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
	"github.com/loqalabs/loqa-voicechat/internal/view"
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	agent      *agent.Service
	store      *eventstore.Store
	recorder   *eventstore.Recorder
	collab     collaborator.Collaborator
	controller *session.Controller
	hub        *view.Hub

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	addr  atomic.Value
	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Addr is the address the HTTP server is listening on, empty until Start
// has bound it.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Ready reports whether Start has finished wiring every component.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

// Start wires the components, serves HTTP until ctx is done, then shuts
// everything down. The call is always stopped before anything else is torn
// down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /api/calls", r.handleCalls)
	mux.HandleFunc("GET /api/calls/{id}/events", r.handleCallEvents)
	r.hub.Routes(mux)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.teardown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, ln, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsLn, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable", slog.String("bind", r.cfg.Telemetry.PrometheusBind), slog.String("error", err.Error()))
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, metricsLn, "metrics")
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("collaborator", r.cfg.Collaborator.Mode),
		slog.String("assistant_id", r.cfg.Assistant.ID),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.teardown()
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = ns

		busCfg := r.cfg.Bus
		if url := ns.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.bus = client

		svc := agent.NewService(ctx, r.cfg.Agent, client, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start agent: %w", err)
		}
		r.agent = svc
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.recorder = eventstore.NewRecorder(store, r.cfg.Assistant.ID, 0, r.logger)

	collab, err := collaborator.New(r.cfg.Collaborator, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create collaborator: %w", err)
	}
	r.collab = collab

	acc := transcript.New(r.cfg.Transcript.Greeting, r.logger)
	r.controller = session.NewController(context.Background(), collab, acc, session.Config{
		AssistantID:  r.cfg.Assistant.ID,
		TickInterval: time.Duration(r.cfg.Session.TickIntervalMS) * time.Millisecond,
		StartTimeout: time.Duration(r.cfg.Collaborator.StartTimeoutMS) * time.Millisecond,
	}, r.logger)
	r.hub = view.NewHub(r.controller, acc, r.logger)

	r.controller.Subscribe(r.hub.ObserveChange)
	acc.OnAppend(r.hub.ObserveMessage)
	r.controller.Subscribe(r.recorder.ObserveChange)
	acc.OnAppend(r.recorder.ObserveMessage)
	if r.bus != nil && r.cfg.Transcript.Publish {
		pub := newPublisher(r.bus, r.logger)
		r.controller.Subscribe(pub.observeChange)
		acc.OnAppend(pub.observeMessage)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// teardown releases whatever build managed to create. The controller goes
// first so the collaborator is told to stop while everything it reports to
// is still alive.
func (r *Runtime) teardown() {
	if r.controller != nil {
		r.controller.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.agent != nil {
		r.agent.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.collab != nil {
		if err := r.collab.Close(); err != nil {
			r.logger.Warn("collaborator close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busReady := r.bus == nil || r.bus.Healthy()
	agentReady := r.agent == nil || r.agent.Healthy()
	if r.ready.Load() && busReady && agentReady {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type callView struct {
	CallID      string     `json:"call_id"`
	AssistantID string     `json:"assistant_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Duration    int        `json:"duration_seconds"`
}

type eventView struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleCalls(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	calls, err := r.store.ListCalls(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list calls", slog.String("error", err.Error()))
		http.Error(w, "failed to list calls", http.StatusInternalServerError)
		return
	}
	out := make([]callView, 0, len(calls))
	for _, c := range calls {
		cv := callView{CallID: c.CallID, AssistantID: c.AssistantID, StartedAt: c.StartedAt, Duration: c.Duration}
		if !c.EndedAt.IsZero() {
			ended := c.EndedAt
			cv.EndedAt = &ended
		}
		out = append(out, cv)
	}
	writeJSON(w, out)
}

func (r *Runtime) handleCallEvents(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.ListCallEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("failed to list call events", slog.String("error", err.Error()))
		http.Error(w, "failed to list call events", http.StatusInternalServerError)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		ev := eventView{Type: e.Type, CreatedAt: e.CreatedAt}
		if len(e.Payload) > 0 && json.Valid(e.Payload) {
			ev.Payload = e.Payload
		}
		out = append(out, ev)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
