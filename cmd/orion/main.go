package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	orion "github.com/orionhq/orion"
	"github.com/orionhq/orion/bootstrap"
	"github.com/orionhq/orion/engine/gemini"
	"github.com/orionhq/orion/engine/openai"
	"github.com/orionhq/orion/gateway"
	"github.com/orionhq/orion/internal/config"
	"github.com/orionhq/orion/observer"
	"github.com/orionhq/orion/store/postgres"
	"github.com/orionhq/orion/store/sqlite"
	"github.com/orionhq/orion/tools/file"
	"github.com/orionhq/orion/tools/recall"
	"github.com/orionhq/orion/tools/shell"
	"github.com/orionhq/orion/tools/web"
)

// defaultUser scopes memory and heartbeat activity when an event carries
// no user identity. Single-operator deployments only ever see this one.
const defaultUser = "local"

// baseURLs maps openai-compatible provider names to their default API
// roots. A base_url in config always wins.
var baseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"ollama":     "http://localhost:11434/v1",
}

// Host owns every long-lived subsystem. Everything is constructed here
// and passed down; no package reaches for a global.
type Host struct {
	cfg    config.Config
	logger *slog.Logger

	store     orion.Store
	pool      *pgxpool.Pool // nil on sqlite
	orch      *orion.Orchestrator
	memory    *orion.MemoryStore
	pipeline  observer.TurnProcessor
	workers   *orion.WorkerPool
	bus       *orion.EventBus
	transport *orion.TransportManager
	heartbeat *orion.Heartbeat
	usage     *orion.UsageRecorder
	pairing   *orion.PairingManager
	acp       *orion.ACPRouter
	superv    *orion.Supervisor
	gateway   *gateway.Server

	stopObserver func(context.Context) error
}

func main() {
	cfg := config.Load(os.Getenv("ORION_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, err := buildHost(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := host.run(ctx); err != nil {
		logger.Error("runtime failure", "error", err)
		host.shutdown()
		os.Exit(1)
	}
	host.shutdown()
}

func buildHost(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Host, error) {
	h := &Host{cfg: cfg, logger: logger}

	// Pricing overrides feed both the cost calculator and, when enabled,
	// the OTel metric pipeline.
	pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
	for model, p := range cfg.Observer.Pricing {
		pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var err error
		inst, h.stopObserver, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("init observer: %w", err)
		}
	}

	if err := h.buildStore(ctx); err != nil {
		return nil, err
	}

	h.usage = orion.NewUsageRecorder(h.store,
		orion.WithUsageCost(observer.NewCostCalculator(pricing).Calculate),
		orion.WithUsageLogger(logger))

	engines, err := buildEngines(cfg, logger, inst)
	if err != nil {
		return nil, err
	}
	h.orch = orion.NewOrchestrator(engines,
		orion.WithPriorities(routingPriorities(cfg.Routing.Priorities)),
		orion.WithUsageRecorder(h.usage),
		orion.WithOrchestratorLogger(logger))
	h.orch.Probe(ctx)

	embedding, err := buildEmbedding(cfg, inst)
	if err != nil {
		return nil, err
	}

	filter := orion.NewPatternFilter()
	causal := orion.NewCausalGraph(h.store, logger)
	temporal := orion.NewTemporalIndex(h.store, h.orch, logger)

	memOpts := []orion.MemoryOption{
		orion.WithTemporalIndex(temporal),
		orion.WithCausalGraph(causal),
		orion.WithMemRL(cfg.Memory.Alpha, cfg.Memory.Gamma, cfg.Memory.Tau),
		orion.WithMemoryLogger(logger),
	}
	if embedding != nil {
		memOpts = append(memOpts, orion.WithRemoteEmbedder(embedding))
	}
	index, ok := h.store.(orion.VectorIndex)
	if !ok {
		return nil, fmt.Errorf("store backend %q does not index vectors", cfg.Store.Backend)
	}
	h.memory = orion.NewMemoryStore(h.store, index, filter, cfg.Embedding.Dimensions, memOpts...)

	boot, err := bootstrap.New(cfg.Bootstrap.Dir,
		bootstrap.WithFileCap(cfg.Bootstrap.FileCap),
		bootstrap.WithLogger(logger)).Load()
	if err != nil {
		return nil, fmt.Errorf("load bootstrap files: %w", err)
	}

	tools, err := h.buildTools(embedding)
	if err != nil {
		return nil, err
	}

	h.workers = orion.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueCap, logger)
	h.bus = orion.NewEventBus(logger)

	pipeline := orion.NewPipeline(h.orch, h.memory, h.store, filter,
		orion.WithAffordanceChecker(orion.NewAffordanceChecker(h.orch)),
		orion.WithOutputScanner(orion.NewOutputScanner(logger)),
		orion.WithBootstrap(boot, cfg.Bootstrap.Mode),
		orion.WithSkills(skillLines(tools)),
		orion.WithProfileExtractor(orion.NewProfileExtractor(h.store, h.orch, logger)),
		orion.WithPipelineCausal(causal),
		orion.WithNotesMirror(orion.NewNotesMirror(cfg.Bootstrap.Dir, logger)),
		orion.WithWorkerPool(h.workers),
		orion.WithPipelineLogger(logger))
	h.pipeline = pipeline
	if inst != nil {
		h.pipeline = observer.WrapPipeline(pipeline, inst)
	}

	// Inbound events run the full turn; replies go back out over whatever
	// channel is healthiest. Activity feeds the heartbeat's idle clock.
	handler := func(ctx context.Context, ev orion.InboundEvent) {
		result, err := h.pipeline.ProcessTurn(ctx, ev)
		if err != nil {
			logger.Error("turn failed", "user", ev.UserID, "error", err)
			return
		}
		h.heartbeat.NoteActivity(ev.UserID)
		if result.Response == "" {
			return
		}
		h.transport.Send(ctx, orion.OutboundMessage{
			UserID:  ev.UserID,
			Channel: ev.ChannelID,
			Text:    result.Response,
		})
	}

	// Concrete channel adapters register here; the gateway's WebSocket is
	// the built-in surface, so the manager starts with none.
	h.transport = orion.NewTransportManager(nil, cfg.Transport.Priority, handler,
		orion.WithTransportBus(h.bus),
		orion.WithTransportLogger(logger))

	h.heartbeat = orion.NewHeartbeat(h.store, h.transport, proactiveTriggers(), []string{defaultUser},
		orion.WithQuietHours(orion.QuietHours),
		orion.WithHeartbeatBus(h.bus),
		orion.WithHeartbeatLogger(logger))

	h.pairing = orion.NewPairingManager(h.store, logger)

	h.acp = orion.NewACPRouter(logger)
	if _, err := h.acp.Register("orion-core", []string{"chat", "recall"}, func(ctx context.Context, msg orion.ACPMessage) (json.RawMessage, error) {
		result, err := h.pipeline.ProcessTurn(ctx, orion.InboundEvent{
			UserID:     defaultUser,
			ChannelID:  "acp",
			Text:       string(msg.Payload),
			ReceivedAt: time.Now().Unix(),
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result.Response)
	}); err != nil {
		return nil, fmt.Errorf("register core agent: %w", err)
	}

	supervOpts := []orion.SupervisorOption{
		orion.WithSupervisorLogger(logger),
		orion.WithNodeRunner(orion.PipelineRunner(h.pipeline, defaultUser)),
	}
	if inst != nil {
		supervOpts = append(supervOpts, orion.WithSupervisorTracer(observer.NewTracer()))
	}
	h.superv = orion.NewSupervisor(h.orch, supervOpts...)
	if _, err := h.acp.Register("orion-supervisor", []string{"supervise"}, func(ctx context.Context, msg orion.ACPMessage) (json.RawMessage, error) {
		var goal string
		if err := json.Unmarshal(msg.Payload, &goal); err != nil {
			goal = string(msg.Payload)
		}
		summary, _, err := h.superv.Supervise(ctx, goal)
		if err != nil {
			return nil, err
		}
		return json.Marshal(summary)
	}); err != nil {
		return nil, fmt.Errorf("register supervisor agent: %w", err)
	}

	h.gateway = gateway.New(cfg.Gateway.Port, h.pipeline, h.pairing,
		gateway.WithUsage(h.usage),
		gateway.WithEngines(h.orch),
		gateway.WithChannels(h.transport),
		gateway.WithUserCount(h.transport.SessionCount),
		gateway.WithLogger(logger))

	return h, nil
}

func (h *Host) buildStore(ctx context.Context) error {
	switch h.cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, h.cfg.Store.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		h.pool = pool
		h.store = postgres.New(pool, postgres.WithEmbeddingDimension(h.cfg.Embedding.Dimensions))
	default:
		h.store = sqlite.New(h.cfg.Store.Path, sqlite.WithLogger(h.logger))
	}
	if err := h.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	return nil
}

// buildEngines constructs one Engine per [engines.*] block, with retry and
// (when the observer is up) tracing wrapped around each.
func buildEngines(cfg config.Config, logger *slog.Logger, inst *observer.Instruments) ([]orion.Engine, error) {
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("no engines configured")
	}
	engines := make([]orion.Engine, 0, len(cfg.Engines))
	for name, ec := range cfg.Engines {
		var eng orion.Engine
		switch ec.Provider {
		case "gemini":
			opts := []gemini.Option{gemini.WithName(name)}
			if ec.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(ec.BaseURL))
			}
			eng = gemini.New(ec.APIKey, ec.Model, opts...)
		default:
			base := ec.BaseURL
			if base == "" {
				base = baseURLs[ec.Provider]
			}
			if base == "" {
				return nil, fmt.Errorf("engine %q: provider %q needs a base_url", name, ec.Provider)
			}
			eng = openai.New(ec.APIKey, ec.Model, base,
				openai.WithName(name),
				openai.WithProvider(ec.Provider))
		}
		eng = orion.WithRetry(eng, orion.RetryLogger(logger))
		if inst != nil {
			eng = observer.WrapEngine(eng, inst)
		}
		engines = append(engines, eng)
	}
	return engines, nil
}

func buildEmbedding(cfg config.Config, inst *observer.Instruments) (orion.EmbeddingProvider, error) {
	ec := cfg.Embedding
	if ec.Model == "" || ec.APIKey == "" {
		return nil, nil // hash-fallback embeddings only
	}
	var p orion.EmbeddingProvider
	switch ec.Provider {
	case "gemini":
		p = gemini.NewEmbedding(ec.APIKey, ec.Model, ec.Dimensions)
	case "openai":
		p = openai.NewEmbedding(ec.APIKey, ec.Model, baseURLs["openai"], ec.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", ec.Provider)
	}
	p = orion.WithEmbeddingRetry(p)
	if inst != nil {
		p = observer.WrapEmbedding(p, ec.Model, inst)
	}
	return p, nil
}

// buildTools registers the built-in tool set behind the guard, reviewer,
// and output-scanner chain.
func (h *Host) buildTools(embedding orion.EmbeddingProvider) (*orion.ToolRegistry, error) {
	reg := orion.NewToolRegistry(
		orion.NewToolGuard(),
		orion.NewToolReviewer(h.orch),
		orion.NewOutputScanner(h.logger),
		orion.ToolLogger(h.logger))

	workspace := h.cfg.Bootstrap.Dir
	if err := shell.New(workspace, 30).Register(reg); err != nil {
		return nil, err
	}
	if err := file.New(workspace).Register(reg); err != nil {
		return nil, err
	}
	if err := web.New().Register(reg); err != nil {
		return nil, err
	}

	var retriever orion.Retriever
	if index, ok := h.store.(orion.VectorIndex); ok && embedding != nil {
		retriever = orion.NewHybridRetriever(index, h.store, embedding)
	}
	if err := recall.New(h.memory, retriever, defaultUser).Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// skillLines renders the registered tools as prompt skill lines.
func skillLines(reg *orion.ToolRegistry) []string {
	defs := reg.Definitions()
	lines := make([]string, 0, len(defs))
	for _, d := range defs {
		lines = append(lines, d.Name+": "+d.Description)
	}
	return lines
}

func routingPriorities(raw map[string][]string) map[orion.TaskType][]string {
	out := make(map[orion.TaskType][]string, len(raw))
	for task, names := range raw {
		out[orion.TaskType(task)] = names
	}
	return out
}

// proactiveTriggers is the built-in rule set for the heartbeat. Each rule
// proposes a message; the VoI gate decides whether it actually sends.
func proactiveTriggers() []orion.Trigger {
	return []orion.Trigger{
		{
			Name:     "daily-checkin",
			Category: "checkin",
			Priority: 0.4,
			Evaluate: func(ctx context.Context, userID string, history []orion.Message) (string, bool) {
				if len(history) == 0 {
					return "", false
				}
				last := history[len(history)-1].CreatedAt
				if time.Since(time.Unix(last, 0)) < 24*time.Hour {
					return "", false
				}
				return "It's been a while. Anything I can help with today?", true
			},
		},
		{
			Name:     "open-loop",
			Category: "reminder",
			Priority: 0.7,
			Evaluate: func(ctx context.Context, userID string, history []orion.Message) (string, bool) {
				// A turn that ended on the user's message means a reply
				// never landed; offer to pick the thread back up.
				if len(history) == 0 {
					return "", false
				}
				last := history[len(history)-1]
				if last.Role != "user" {
					return "", false
				}
				if time.Since(time.Unix(last.CreatedAt, 0)) < 30*time.Minute {
					return "", false
				}
				return "I may have missed your last message. Want me to take another look?", true
			},
		},
	}
}

func (h *Host) run(ctx context.Context) error {
	if err := h.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	h.usage.Start()
	h.heartbeat.Start()

	errc := make(chan error, 1)
	go func() { errc <- h.gateway.Start() }()
	h.logger.Info("orion up",
		"gateway_port", h.cfg.Gateway.Port,
		"store", h.cfg.Store.Backend,
		"engines", len(h.cfg.Engines))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// shutdown tears subsystems down in reverse dependency order. Each step
// gets a slice of a shared deadline.
func (h *Host) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if h.gateway != nil {
		if err := h.gateway.Stop(ctx); err != nil {
			h.logger.Warn("gateway stop", "error", err)
		}
	}
	if h.heartbeat != nil {
		h.heartbeat.Stop()
	}
	if h.transport != nil {
		if err := h.transport.Stop(ctx); err != nil {
			h.logger.Warn("transport stop", "error", err)
		}
	}
	if h.workers != nil {
		h.workers.Close()
	}
	if h.usage != nil {
		h.usage.Close(ctx)
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			h.logger.Warn("store close", "error", err)
		}
	}
	if h.pool != nil {
		h.pool.Close()
	}
	if h.stopObserver != nil {
		if err := h.stopObserver(ctx); err != nil {
			h.logger.Warn("observer shutdown", "error", err)
		}
	}
	h.logger.Info("orion down")
}
