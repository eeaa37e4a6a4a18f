package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// cannedRefusal is the fixed reply for turns blocked by the safety
	// chain. It leaks nothing about which layer fired.
	cannedRefusal = "I can't help with that request."

	// critiqueBudget bounds the whole critic phase, refinement included.
	critiqueBudget = 3 * time.Second

	// critiqueMaxIters caps evaluate/refine rounds.
	critiqueMaxIters = 2

	// critiqueThreshold is the mean score below which a refinement pass
	// runs.
	critiqueThreshold = 0.7

	// historyWindow is how many recent messages feed the prompt.
	historyWindow = 20
)

// TurnProcessor is the per-turn processing surface. *Pipeline is the
// canonical implementation; instrumented wrappers satisfy it too.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, ev InboundEvent) (TurnResult, error)
}

// BootstrapSource provides the assembled static identity text for a
// session mode. Implemented by the bootstrap package.
type BootstrapSource interface {
	SystemText(mode string) string
	SafetyText() string
}

// Pipeline is the per-turn state machine: safety in, context build,
// generate, critique, scan, persist, side effects. Steps run in order;
// only the critic is skippable, and only when a single engine is
// configured.
type Pipeline struct {
	orch       *Orchestrator
	memory     *MemoryStore
	store      Store
	filter     *PatternFilter
	affordance *AffordanceChecker
	scanner    *OutputScanner
	assembler  *PromptAssembler
	bootstrap  BootstrapSource
	profiles   *ProfileExtractor
	causal     *CausalGraph
	notes      *NotesMirror
	pool       *WorkerPool
	skills     []string
	mode       string
	logger     *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithAffordanceChecker adds the semantic risk gate to safety-in.
func WithAffordanceChecker(a *AffordanceChecker) PipelineOption {
	return func(p *Pipeline) { p.affordance = a }
}

// WithOutputScanner adds credential redaction to the output stage.
func WithOutputScanner(s *OutputScanner) PipelineOption {
	return func(p *Pipeline) { p.scanner = s }
}

// WithBootstrap sets the static identity source and session mode.
func WithBootstrap(b BootstrapSource, mode string) PipelineOption {
	return func(p *Pipeline) {
		p.bootstrap = b
		p.mode = mode
	}
}

// WithSkills sets the skill index lines injected into the prompt.
func WithSkills(skills []string) PipelineOption {
	return func(p *Pipeline) { p.skills = skills }
}

// WithProfileExtractor runs profile extraction as a turn side effect.
func WithProfileExtractor(pe *ProfileExtractor) PipelineOption {
	return func(p *Pipeline) { p.profiles = pe }
}

// WithPipelineCausal runs causal-graph updates as a turn side effect.
func WithPipelineCausal(c *CausalGraph) PipelineOption {
	return func(p *Pipeline) { p.causal = c }
}

// WithNotesMirror mirrors turn summaries to daily note files.
func WithNotesMirror(n *NotesMirror) PipelineOption {
	return func(p *Pipeline) { p.notes = n }
}

// WithWorkerPool sets the pool for fire-and-forget side effects. Without
// one, side effects run inline before the turn returns.
func WithWorkerPool(pool *WorkerPool) PipelineOption {
	return func(p *Pipeline) { p.pool = pool }
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline wires the mandatory stages. filter must be non-nil; the
// safety gate is not optional.
func NewPipeline(orch *Orchestrator, memory *MemoryStore, store Store, filter *PatternFilter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		orch:      orch,
		memory:    memory,
		store:     store,
		filter:    filter,
		assembler: NewPromptAssembler(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// ProcessTurn runs one inbound event through the full state machine and
// returns the reply plus the retrieval acknowledgment set for the next
// turn's feedback.
func (p *Pipeline) ProcessTurn(ctx context.Context, ev InboundEvent) (TurnResult, error) {
	// Step 1: safety in. A blocked turn still records the sanitized input
	// so history stays coherent.
	check := p.filter.Check(ev.Text)
	sanitized := check.Sanitized
	if !check.Safe {
		p.logger.Warn("turn blocked by pattern filter", "user", ev.UserID, "reason", check.Reason)
		p.persistUserMessage(ctx, ev, sanitized)
		return TurnResult{Response: cannedRefusal, Blocked: true}, nil
	}
	if p.affordance != nil {
		verdict := p.affordance.Check(ctx, sanitized)
		if verdict.Blocked {
			p.logger.Warn("turn blocked by affordance check",
				"user", ev.UserID, "category", verdict.Category, "risk", verdict.RiskScore)
			p.persistUserMessage(ctx, ev, sanitized)
			return TurnResult{Response: cannedRefusal, Blocked: true}, nil
		}
	}

	// Step 2: persist the user message and build retrieval context in
	// parallel. The reply depends on both.
	var bundle ContextBundle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.persistUserMessage(gctx, ev, sanitized)
	})
	g.Go(func() error {
		var err error
		bundle, err = p.memory.BuildContext(gctx, ev.UserID, ev.ChannelID, sanitized, historyWindow)
		return err
	})
	if err := g.Wait(); err != nil {
		return TurnResult{}, fmt.Errorf("prepare turn: %w", err)
	}

	// Step 3: dynamic context from sanitized text plus profile.
	profile, err := p.store.GetProfile(ctx, ev.UserID)
	if err != nil {
		profile = UserProfile{UserID: ev.UserID}
	}
	dynamic := DetectContext(sanitized, profile)

	// Step 4: system prompt in fixed order under the char budget.
	in := PromptInput{Dynamic: dynamic, Skills: p.skills, Memories: bundle.SystemContext}
	if p.bootstrap != nil {
		in.Bootstrap = p.bootstrap.SystemText(p.mode)
		in.Safety = p.bootstrap.SafetyText()
	}
	systemPrompt := p.assembler.Build(in)

	// Step 5: generate.
	response, err := p.orch.Generate(ctx, TaskReasoning, GenerateRequest{
		Prompt:       sanitized,
		Context:      renderHistory(bundle.Messages),
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("generate reply: %w", err)
	}
	if response == "" {
		return TurnResult{}, fmt.Errorf("engine returned empty reply")
	}

	// Step 6: response critic. Pointless with a single engine since the
	// refiner would be the model grading itself.
	score := 0.0
	if p.orch.EngineCount() > 1 {
		response, score = p.critique(ctx, sanitized, response)
	}

	// Step 7: output scan, sanitize in place.
	if p.scanner != nil {
		scan := p.scanner.Scan(response)
		if scan.Redactions > 0 {
			p.logger.Warn("credentials redacted from reply", "count", scan.Redactions)
		}
		response = scan.Sanitized
	}

	// Step 8: persist the assistant message and mirror it to memory. The
	// reply is not returned before the write lands.
	if err := p.store.StoreMessage(ctx, Message{
		ID:        NewID(),
		UserID:    ev.UserID,
		ChannelID: ev.ChannelID,
		Role:      "assistant",
		Content:   response,
		CreatedAt: NowUnix(),
	}); err != nil {
		return TurnResult{}, fmt.Errorf("persist reply: %w", err)
	}
	if _, err := p.memory.Save(ctx, ev.UserID, response, map[string]string{"role": "assistant"}); err != nil {
		p.logger.Warn("memory mirror failed", "error", err)
	}

	// Step 9: fire-and-forget side effects.
	p.sideEffects(ev.UserID, sanitized, response)

	// Step 10: hand back the acknowledgment set for next-turn feedback.
	return TurnResult{
		Response:           response,
		RetrievedMemoryIDs: bundle.RetrievedMemoryIDs,
		ProvisionalReward:  provisionalReward(score),
	}, nil
}

// ProvideFeedback closes the retrieval learning loop for a previous turn.
func (p *Pipeline) ProvideFeedback(ctx context.Context, fb TaskFeedback) error {
	return p.memory.ProvideFeedback(ctx, fb)
}

func (p *Pipeline) persistUserMessage(ctx context.Context, ev InboundEvent, sanitized string) error {
	if err := p.store.StoreMessage(ctx, Message{
		ID:        NewID(),
		UserID:    ev.UserID,
		ChannelID: ev.ChannelID,
		Role:      "user",
		Content:   sanitized,
		CreatedAt: ev.ReceivedAt,
	}); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	return nil
}

// critique runs the evaluator and at most one refinement pass inside a
// shared 3s budget. Returns the (possibly refined) response and the last
// mean score; on any evaluator failure the original response stands.
func (p *Pipeline) critique(ctx context.Context, question, response string) (string, float64) {
	cctx, cancel := context.WithTimeout(ctx, critiqueBudget)
	defer cancel()

	best := response
	score := 0.0
	for iter := 0; iter < critiqueMaxIters; iter++ {
		s, ok := p.evaluate(cctx, question, best)
		if !ok {
			return best, score
		}
		score = s
		if s >= critiqueThreshold {
			return best, s
		}

		refined, err := p.orch.Generate(cctx, TaskReasoning, GenerateRequest{
			Prompt: fmt.Sprintf(
				"Improve this answer. Keep what is correct, fix what is not.\n\nQuestion: %s\n\nAnswer: %s",
				question, best),
		})
		if err != nil || refined == "" {
			return best, s
		}
		best = refined
	}
	return best, score
}

func (p *Pipeline) evaluate(ctx context.Context, question, response string) (float64, bool) {
	out, err := p.orch.Generate(ctx, TaskFast, GenerateRequest{
		Prompt: fmt.Sprintf(
			"Score this answer from 0 to 1 on accuracy, helpfulness, and completeness.\n\nQuestion: %s\n\nAnswer: %s\n\nRespond with JSON only: {\"accuracy\":0.0,\"helpfulness\":0.0,\"completeness\":0.0}",
			question, response),
		MaxTokens: 128,
	})
	if err != nil || out == "" {
		return 0, false
	}
	var scores struct {
		Accuracy     float64 `json:"accuracy"`
		Helpfulness  float64 `json:"helpfulness"`
		Completeness float64 `json:"completeness"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &scores); err != nil {
		return 0, false
	}
	return (scores.Accuracy + scores.Helpfulness + scores.Completeness) / 3, true
}

// sideEffects dispatches profile extraction, causal updates, temporal
// compression, and the notes mirror. Errors are logged and never reach
// the turn.
func (p *Pipeline) sideEffects(userID, userText, response string) {
	run := func(task func()) { task() }
	if p.pool != nil {
		run = p.pool.Submit
	}

	if p.profiles != nil {
		run(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := p.profiles.ExtractAndMerge(ctx, userID, userText, response); err != nil {
				p.logger.Debug("profile side effect failed", "error", err)
			}
		})
	}
	if p.causal != nil {
		run(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			p.observeCausal(ctx, userID, userText, response)
		})
	}
	run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := p.memory.Compress(ctx, userID); err != nil {
			p.logger.Debug("temporal compression side effect failed", "error", err)
		}
	})
	if p.notes != nil {
		run(func() { p.notes.Append(userID, summarizeTurn(userText, response)) })
	}
}

// observeCausal asks the fast engine for one cause-effect pair in the
// exchange. Absent or unparseable output skips the update.
func (p *Pipeline) observeCausal(ctx context.Context, userID, userText, response string) {
	out, err := p.orch.Generate(ctx, TaskFast, GenerateRequest{
		Prompt: fmt.Sprintf(
			"Does this exchange reveal a cause-effect pattern in the user's life? If yes respond with JSON {\"cause\":\"...\",\"effect\":\"...\",\"strength\":0.0}; if not respond with {}.\n\nUser: %s\nAssistant: %s",
			userText, response),
		MaxTokens: 128,
	})
	if err != nil || out == "" {
		return
	}
	var obs struct {
		Cause    string  `json:"cause"`
		Effect   string  `json:"effect"`
		Strength float64 `json:"strength"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &obs); err != nil || obs.Cause == "" || obs.Effect == "" {
		return
	}
	if err := p.causal.Observe(ctx, userID, obs.Cause, obs.Effect, obs.Strength); err != nil {
		p.logger.Debug("causal side effect failed", "error", err)
	}
}

func renderHistory(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

func summarizeTurn(userText, response string) string {
	trim := func(s string, n int) string {
		s = strings.TrimSpace(s)
		if len(s) > n {
			return s[:n] + "..."
		}
		return s
	}
	return fmt.Sprintf("%s -> %s", trim(userText, 80), trim(response, 80))
}

// provisionalReward maps the critic score into the reward range. Without
// a critic signal the turn gets a mild positive prior; explicit user
// feedback on the next turn overrides it.
func provisionalReward(critiqueScore float64) float64 {
	if critiqueScore == 0 {
		return 0.3
	}
	return 2*critiqueScore - 1
}
