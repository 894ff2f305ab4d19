// Command marcusd is the Marcus server process: it wires every coordination
// component (TaskGraph/Scheduler/AssignmentStore/ContextService/
// KanbanProvider) behind the MCP tool surface, starts the lease-reclamation
// sweep, and serves Prometheus metrics plus the watch event stream over
// HTTP. Tool calls arrive as JSON lines over stdin/stdout; richer MCP wire
// framing belongs to the transport in front of this process.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lwgray/marcus/pkg/agentsvc"
	"github.com/lwgray/marcus/pkg/artifacts"
	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/decisionlog"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/infrastructure/eventbus"
	"github.com/lwgray/marcus/pkg/kanban" // local/github_projects factories self-register via init()
	"github.com/lwgray/marcus/pkg/leasemonitor"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/mcptool"
	"github.com/lwgray/marcus/pkg/metrics"
	"github.com/lwgray/marcus/pkg/projectbuilder"
	"github.com/lwgray/marcus/pkg/projectregistry"
	"github.com/lwgray/marcus/pkg/providers"
	"github.com/lwgray/marcus/pkg/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to a marcus.yaml config file (optional)")
	flag.Parse()

	log := logger.Get("marcusd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.ErrorF("config load failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := build(cfg)
	if err != nil {
		log.ErrorF("startup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	go app.leases.Run(ctx)
	go app.watch.Run()
	go app.serveHTTP(ctx)

	log.InfoF("marcusd ready", map[string]interface{}{"bind_addr": cfg.Server.BindAddr})
	app.serveStdio(ctx)
	log.Info("marcusd shutting down")
}

// httpShutdownGrace bounds how long /metrics and /watch get to drain
// in-flight requests once shutdown starts.
const httpShutdownGrace = 5 * time.Second

// application bundles every long-lived subsystem main wires together.
type application struct {
	cfg        *config.Config
	dispatcher *mcptool.Dispatcher
	leases     *leasemonitor.Monitor
	watch      *mcptool.WatchHub
	publisher  *bus.MessageBus
}

func build(cfg *config.Config) (*application, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	agents, err := agentsvc.New(filepath.Join(dataDir, "agents"))
	if err != nil {
		return nil, fmt.Errorf("agentsvc: %w", err)
	}
	assignmentStore, err := assignment.NewStore(filepath.Join(dataDir, "assignments.db"))
	if err != nil {
		return nil, fmt.Errorf("assignment store: %w", err)
	}
	decisions, err := decisionlog.NewStore(filepath.Join(dataDir, "decisions.db"))
	if err != nil {
		return nil, fmt.Errorf("decision store: %w", err)
	}
	artifactStore, err := artifacts.NewStore(filepath.Join(dataDir, "artifacts.db"), filepath.Join(dataDir, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	registry, err := projectregistry.New(filepath.Join(dataDir, "projects"), filepath.Join(dataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("project registry: %w", err)
	}

	// Raw adapter -> retry-with-jitter -> circuit breaker, so retries are
	// spent before a failure counts against the breaker, and an open
	// circuit fails fast without burning backoff sleeps.
	breakerSettings := kanban.BreakerSettings{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenDuration:        cfg.Breaker.OpenDuration,
	}
	kanbanRegs := kanban.NewRegistry()
	for _, name := range kanban.Names() {
		name := name
		kanbanRegs.Register(name, func(c map[string]string) (kanban.Provider, error) {
			p, err := kanban.Build(name, c)
			if err != nil {
				return nil, err
			}
			return kanban.NewBreakerManagerWith(kanban.NewRetryingProvider(p), breakerSettings), nil
		})
	}

	runtimes := mcptool.NewRuntimes(kanbanRegs, decisions, artifactStore, assignmentStore)
	sched := scheduler.New(assignmentStore, scheduler.WithLeaseBounds(cfg.Lease.MinDuration, cfg.Lease.MaxDuration))

	aiClient := providers.New(cfg.AI.Provider, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.BaseURL)
	parser := projectbuilder.NewAIPRDParser(aiClient)
	builder := projectbuilder.New(parser, registry, kanbanRegs)

	publisher := bus.NewMessageBus()

	// Domain events recorded by aggregates during tool handling flow through
	// the event bus and onto the system bus, so the watch stream and any
	// future tap see aggregate-level lifecycle alongside the coarser
	// SystemEvents the components publish directly.
	events := eventbus.New()
	events.SubscribeAll(func(e domain.Event) {
		publisher.Publish(bus.SystemEvent{Type: string(e.EventType()), Source: "domain", Data: map[string]string{
			"aggregate_id": e.AggregateID().String(),
		}})
	})

	dispatcher := mcptool.New(agents, registry, runtimes, sched, assignmentStore, artifactStore, builder, kanbanRegs, publisher, events)

	leases := leasemonitor.New(assignmentStore, agents, runtimes, publisher,
		leasemonitor.WithSweepInterval(cfg.Lease.SweepInterval),
		leasemonitor.WithStaleAfter(cfg.Lease.StaleAfter),
	)
	watch := mcptool.NewWatchHub(publisher, "watch-http")

	return &application{cfg: cfg, dispatcher: dispatcher, leases: leases, watch: watch, publisher: publisher}, nil
}

// serveHTTP exposes /metrics and the /watch websocket upgrade. It runs until
// ctx is cancelled, at which point the listener is closed.
func (a *application) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/watch", a.watch)

	srv := &http.Server{Addr: a.cfg.Server.BindAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Get("marcusd").ErrorF("http server failed", map[string]interface{}{"error": err.Error()})
	}
}

// rpcRequest/rpcResponse are the JSON-lines envelope the stdio transport
// reads/writes: one tool call per line in, one Result per line out.
type rpcRequest struct {
	ID       string        `json:"id"`
	CallerID string        `json:"caller_id"`
	Tool     string        `json:"tool"`
	Args     mcptool.Args  `json:"args"`
}

type rpcResponse struct {
	ID     string         `json:"id"`
	Result *mcptool.Result `json:"result"`
}

// serveStdio reads one JSON tool-call request per line from stdin and
// writes one JSON response per line to stdout, until stdin closes or ctx is
// cancelled. Each request is dispatched synchronously, in arrival order —
// Marcus has no need for the pipelining a richer MCP transport would offer.
func (a *application) serveStdio(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(rpcResponse{Result: &mcptool.Result{OK: false, Error: &mcptool.ErrorBody{Code: "VALIDATION_ERROR", Message: "malformed request: " + err.Error()}}})
			continue
		}

		result := a.dispatcher.Dispatch(ctx, req.CallerID, req.Tool, req.Args)
		enc.Encode(rpcResponse{ID: req.ID, Result: result})
	}
}
