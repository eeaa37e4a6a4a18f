package orion

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrEngine reports a failure from an LLM engine adapter.
type ErrEngine struct {
	Engine  string
	Message string
}

func (e *ErrEngine) Error() string {
	return fmt.Sprintf("%s: %s", e.Engine, e.Message)
}

// ErrNoEngine is returned by the orchestrator when no registered engine
// can serve a task type.
type ErrNoEngine struct {
	TaskType TaskType
}

func (e *ErrNoEngine) Error() string {
	return fmt.Sprintf("no available engine for task type %q", e.TaskType)
}

// ErrBlocked halts a pipeline turn with a canned refusal instead of an LLM
// response. Returned by the safety stages when input is rejected.
type ErrBlocked struct {
	// Response is the refusal text sent back to the user.
	Response string
	// Reason identifies which check rejected the input (for logs, never shown).
	Reason string
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("blocked: %s", e.Reason)
}

// ErrHTTP reports a non-2xx response from an external HTTP call.
type ErrHTTP struct {
	Status int
	Body   string
	// RetryAfter is the server-requested backoff, parsed from the
	// Retry-After header when present.
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, which is either a
// delay in seconds or an HTTP-date. Returns 0 for empty, malformed, or
// already-past values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
