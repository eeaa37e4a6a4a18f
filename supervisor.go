package orion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// supervisorWallClock bounds one whole supervised run.
	supervisorWallClock = 120 * time.Second

	// supervisorMaxNodes caps the planned DAG.
	supervisorMaxNodes = 8
)

// ErrLoopBreak is returned by node runners when the loop detector refuses
// another tool call. It circuit-breaks the run: the current wave finishes,
// further waves are skipped.
type ErrLoopBreak struct {
	Pattern string
}

func (e *ErrLoopBreak) Error() string {
	return fmt.Sprintf("loop detector break: %s", e.Pattern)
}

// NodeRunner executes one planned subtask. The detector is shared across
// all nodes of a run; runners that invoke tools must consult it via
// GuardedInvoke.
type NodeRunner func(ctx context.Context, node TaskNode, det *LoopDetector) (string, error)

// PipelineRunner builds a node executor that routes each subtask through
// the message pipeline, so planned task text passes the same injection
// filter, affordance checks, and output scan as a user turn. A blocked
// subtask fails its node instead of feeding the refusal downstream.
func PipelineRunner(p TurnProcessor, userID string) NodeRunner {
	return func(ctx context.Context, node TaskNode, _ *LoopDetector) (string, error) {
		res, err := p.ProcessTurn(ctx, InboundEvent{
			UserID:     userID,
			ChannelID:  "supervisor",
			Text:       node.Task,
			ReceivedAt: NowUnix(),
		})
		if err != nil {
			return "", err
		}
		if res.Blocked {
			return "", fmt.Errorf("subtask blocked by safety chain")
		}
		if res.Response == "" {
			return "", fmt.Errorf("empty pipeline output")
		}
		return res.Response, nil
	}
}

// Supervisor decomposes a goal into a bounded task DAG and executes it in
// topological waves. Nodes inside a wave run in parallel; a wave must
// fully complete before the next begins.
type Supervisor struct {
	orch      *Orchestrator
	runner    NodeRunner
	maxNodes  int
	wallClock time.Duration
	tracer    Tracer
	logger    *slog.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithNodeRunner replaces the default engine-backed node executor.
func WithNodeRunner(r NodeRunner) SupervisorOption {
	return func(s *Supervisor) { s.runner = r }
}

// WithMaxSubtasks clamps the DAG size; values outside [1, 8] are pulled
// back into range.
func WithMaxSubtasks(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n < 1 {
			n = 1
		}
		if n > supervisorMaxNodes {
			n = supervisorMaxNodes
		}
		s.maxNodes = n
	}
}

// WithWallClock overrides the run deadline.
func WithWallClock(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.wallClock = d
		}
	}
}

// WithSupervisorTracer emits a span per run and per node.
func WithSupervisorTracer(t Tracer) SupervisorOption {
	return func(s *Supervisor) { s.tracer = t }
}

// WithSupervisorLogger sets the structured logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a supervisor over the given orchestrator.
func NewSupervisor(orch *Orchestrator, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		orch:      orch,
		maxNodes:  supervisorMaxNodes,
		wallClock: supervisorWallClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	if s.runner == nil {
		s.runner = s.engineRunner
	}
	return s
}

// Supervise plans, executes, and synthesizes one goal. Always returns the
// per-node results, even when synthesis degrades to concatenation.
func (s *Supervisor) Supervise(ctx context.Context, goal string) (string, []NodeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.wallClock)
	defer cancel()

	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "supervisor.run")
		defer span.End()
	}

	dag := s.plan(ctx, goal)
	dag = trimDAG(dag, s.maxNodes)
	waves, stranded := topoWaves(dag.Nodes)

	det := NewLoopDetector(s.logger)
	outputs := make(map[string]string, len(dag.Nodes))
	var results []NodeResult

	broke := false
	for _, wave := range waves {
		if broke || ctx.Err() != nil {
			for _, node := range wave {
				results = append(results, NodeResult{NodeID: node.ID, Success: false})
			}
			continue
		}

		waveResults := make([]NodeResult, len(wave))
		g, gctx := errgroup.WithContext(ctx)
		for i, node := range wave {
			i, node := i, node
			g.Go(func() error {
				waveResults[i] = s.runNode(gctx, node, outputs, det)
				return nil
			})
		}
		g.Wait()

		for _, r := range waveResults {
			results = append(results, r)
			if r.Success {
				outputs[r.NodeID] = r.Output
			}
			if r.LoopBreak {
				broke = true
			}
		}
		if ctx.Err() != nil {
			s.logger.Warn("supervisor wall clock expired, skipping remaining waves")
			broke = true
		}
	}
	for _, node := range stranded {
		results = append(results, NodeResult{NodeID: node.ID, Success: false})
	}

	reply := s.synthesize(ctx, goal, results)
	return reply, results, nil
}

// plan asks the reasoning engine for a DAG; any parse failure falls back
// to a single node holding the whole goal.
func (s *Supervisor) plan(ctx context.Context, goal string) TaskDAG {
	fallback := TaskDAG{Nodes: []TaskNode{{ID: "task-1", Task: goal}}}

	out, err := s.orch.Generate(ctx, TaskReasoning, GenerateRequest{
		Prompt: fmt.Sprintf(
			"Break this goal into at most %d subtasks with dependencies.\n\nGoal: %s\n\nRespond with JSON only: {\"nodes\":[{\"id\":\"a\",\"task\":\"...\",\"dependsOn\":[],\"agentType\":\"reasoning\"}]}",
			s.maxNodes, goal),
		MaxTokens: 1024,
	})
	if err != nil || out == "" {
		s.logger.Debug("planner unavailable, single-node fallback", "error", err)
		return fallback
	}

	var dag TaskDAG
	if err := json.Unmarshal([]byte(extractJSON(out)), &dag); err != nil || len(dag.Nodes) == 0 {
		s.logger.Debug("plan unparseable, single-node fallback")
		return fallback
	}
	for i := range dag.Nodes {
		if dag.Nodes[i].ID == "" {
			dag.Nodes[i].ID = fmt.Sprintf("task-%d", i+1)
		}
	}
	return dag
}

// trimDAG clamps the node count and drops dependencies on nodes that did
// not survive the clamp.
func trimDAG(dag TaskDAG, maxNodes int) TaskDAG {
	if maxNodes < 1 {
		maxNodes = 1
	}
	nodes := dag.Nodes
	if len(nodes) > maxNodes {
		nodes = nodes[:maxNodes]
	}
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	trimmed := make([]TaskNode, len(nodes))
	for i, n := range nodes {
		var deps []string
		for _, d := range n.DependsOn {
			if ids[d] && d != n.ID {
				deps = append(deps, d)
			}
		}
		n.DependsOn = deps
		trimmed[i] = n
	}
	return TaskDAG{Nodes: trimmed}
}

// topoWaves layers the DAG: wave N holds every node whose dependencies
// all completed in earlier waves. Nodes trapped in a cycle never become
// ready and come back as stranded.
func topoWaves(nodes []TaskNode) (waves [][]TaskNode, stranded []TaskNode) {
	done := make(map[string]bool, len(nodes))
	remaining := append([]TaskNode(nil), nodes...)

	for len(remaining) > 0 {
		var wave, next []TaskNode
		for _, n := range remaining {
			ready := true
			for _, d := range n.DependsOn {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, n)
			} else {
				next = append(next, n)
			}
		}
		if len(wave) == 0 {
			// Cycle: nothing became ready.
			return waves, next
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].ID < wave[j].ID })
		for _, n := range wave {
			done[n.ID] = true
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves, nil
}

func (s *Supervisor) runNode(ctx context.Context, node TaskNode, upstream map[string]string, det *LoopDetector) NodeResult {
	task := node.Task
	if len(node.DependsOn) > 0 {
		var sb strings.Builder
		sb.WriteString("Context from earlier subtasks:\n")
		for _, dep := range node.DependsOn {
			if out, ok := upstream[dep]; ok {
				fmt.Fprintf(&sb, "[%s]\n%s\n\n", dep, out)
			}
		}
		sb.WriteString("Task: ")
		sb.WriteString(node.Task)
		task = sb.String()
	}
	node.Task = task

	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "supervisor.node",
			StringAttr("node.id", node.ID),
			IntAttr("node.deps", len(node.DependsOn)))
		defer span.End()
	}

	out, err := s.runner(ctx, node, det)
	if err != nil {
		var lb *ErrLoopBreak
		if errors.As(err, &lb) {
			s.logger.Warn("node circuit-broke the run", "node", node.ID, "pattern", lb.Pattern)
			return NodeResult{NodeID: node.ID, Attempts: 1, LoopBreak: true, LoopSignal: lb.Pattern}
		}
		s.logger.Warn("node failed", "node", node.ID, "error", err)
		return NodeResult{NodeID: node.ID, Attempts: 1}
	}
	return NodeResult{NodeID: node.ID, Output: out, Success: true, Attempts: 1}
}

// engineRunner is the default node executor: one engine call routed by
// the node's agent type.
func (s *Supervisor) engineRunner(ctx context.Context, node TaskNode, _ *LoopDetector) (string, error) {
	out, err := s.orch.Generate(ctx, taskTypeFor(node.AgentType), GenerateRequest{Prompt: node.Task})
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("empty engine output")
	}
	return out, nil
}

func taskTypeFor(agentType string) TaskType {
	switch agentType {
	case "code":
		return TaskCode
	case "fast":
		return TaskFast
	case "multimodal":
		return TaskMultimodal
	case "local":
		return TaskLocal
	default:
		return TaskReasoning
	}
}

// synthesize folds the node outputs into one reply. When the synthesis
// call fails, the outputs are joined verbatim so the run still returns
// what it gathered.
func (s *Supervisor) synthesize(ctx context.Context, goal string, results []NodeResult) string {
	var sb strings.Builder
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&sb, "[%s]\n%s\n\n", r.NodeID, r.Output)
		}
	}
	gathered := strings.TrimSpace(sb.String())
	if gathered == "" {
		return "I couldn't complete any part of that task."
	}

	out, err := s.orch.Generate(ctx, TaskReasoning, GenerateRequest{
		Prompt: fmt.Sprintf(
			"Synthesize one coherent answer to the goal from these subtask results.\n\nGoal: %s\n\n%s",
			goal, gathered),
	})
	if err != nil || out == "" {
		s.logger.Debug("synthesis unavailable, returning joined outputs", "error", err)
		return gathered
	}
	return out
}

// GuardedInvoke is the tool path for node runners: the detector vetoes
// the call before it is issued and records it after, with progress judged
// by whether the output changed from the previous call.
func GuardedInvoke(ctx context.Context, det *LoopDetector, reg *ToolRegistry, name string, args json.RawMessage, lastOutput string) (ToolResult, error) {
	hash := paramHash(args)
	if v := det.Evaluate(name, hash, time.Now()); v.Action == "break" {
		return ToolResult{}, &ErrLoopBreak{Pattern: v.Pattern}
	}

	res, err := reg.Invoke(ctx, name, args)
	det.Record(ToolCallRecord{
		Tool:             name,
		ParamHash:        hash,
		Timestamp:        NowUnix(),
		ProducedProgress: err == nil && res.Error == "" && res.Content != lastOutput,
	})
	return res, err
}

func paramHash(args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:8])
}
