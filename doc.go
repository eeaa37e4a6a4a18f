// Package orion is a long-running, multi-channel personal-assistant host.
//
// A single process ingests text events from registered channel adapters,
// runs each turn through a safety-checked message pipeline backed by
// pluggable LLM engines, records and retrieves reinforcement-scored
// memory, and writes replies back to the originating channel. A proactive
// heartbeat loop lets the host act on its own clock, gated by a
// value-of-information check.
//
// The root package holds the core contracts and runtime subsystems:
//
//   - Engine / Orchestrator: LLM provider routing with per-engine health.
//   - MemoryStore: embed, save, two-phase retrieval, Bellman feedback.
//   - Security chain: pattern filter, affordance check, tool guards,
//     dual-agent review, output scanning.
//   - Pipeline: the per-turn state machine.
//   - Supervisor: subtask DAG planning and wave execution with loop breaking.
//   - Heartbeat: adaptive proactive loop with trigger rules and VoI gating.
//   - ACPRouter: signed in-process request/response bus between agents.
//   - TransportManager: channel fan-in/fan-out, sessions, device pairing.
//   - UsageRecorder: ring-buffered cost and latency telemetry.
//
// Implementation subpackages: store/sqlite and store/postgres (persistence
// ports), bootstrap (identity file loading), gateway (loopback HTTP+WS),
// observer (OTEL tracing, metrics, cost), internal/config, cmd/orion.
package orion
