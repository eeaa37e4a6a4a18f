package orion

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// acpHandlerTimeout bounds one handler invocation.
const acpHandlerTimeout = 30 * time.Second

// acpSecretBytes is the per-agent signing secret length.
const acpSecretBytes = 32

// ACPState is one node of the per-conversation state machine.
type ACPState string

const (
	ACPIdle      ACPState = "idle"
	ACPRequested ACPState = "requested"
	ACPApproved  ACPState = "approved"
	ACPExecuting ACPState = "executing"
	ACPDone      ACPState = "done"
	ACPFailed    ACPState = "failed"
)

// acpTransitions is the allowed state graph. Done and failed are terminal.
var acpTransitions = map[ACPState][]ACPState{
	ACPIdle:      {ACPRequested},
	ACPRequested: {ACPApproved, ACPFailed},
	ACPApproved:  {ACPExecuting, ACPFailed},
	ACPExecuting: {ACPDone, ACPFailed},
}

// Stable ACP error codes carried in error responses.
const (
	ACPErrInvalidSignature  = "invalid_signature"
	ACPErrUnknownSender     = "unknown_sender"
	ACPErrUnknownRecipient  = "unknown_recipient"
	ACPErrInvalidTransition = "invalid_transition"
	ACPErrHandlerTimeout    = "handler_timeout"
	ACPErrHandlerFailed     = "handler_failed"
)

// ACPMessage is one signed control-plane message. State names the
// transition the sender is requesting for the conversation.
type ACPMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Action         string          `json:"action"`
	State          ACPState        `json:"state"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Signature      string          `json:"signature,omitempty"`
}

// ACPResponse is the routed reply. Type is "response" on success, "error"
// with a stable Code otherwise. Signed by the recipient agent's secret.
type ACPResponse struct {
	Type      string          `json:"type"`
	Code      string          `json:"code,omitempty"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// ACPError is the Go-side error for failed routing; Code matches the
// response code.
type ACPError struct {
	Code    string
	Message string
}

func (e *ACPError) Error() string {
	return fmt.Sprintf("acp %s: %s", e.Code, e.Message)
}

// ACPHandler processes one delivered message and returns the reply
// payload.
type ACPHandler func(ctx context.Context, msg ACPMessage) (json.RawMessage, error)

type acpAgent struct {
	id           string
	capabilities []string
	secret       []byte
	handler      ACPHandler
}

// ACPRouter is the in-process control plane: an agent registry plus
// signed, state-checked request routing. Registration is confined to
// startup; Send is read-heavy and safe for concurrent use.
type ACPRouter struct {
	mu            sync.RWMutex
	agents        map[string]*acpAgent
	conversations map[string]ACPState
	timeout       time.Duration
	logger        *slog.Logger
}

// NewACPRouter creates an empty router.
func NewACPRouter(logger *slog.Logger) *ACPRouter {
	if logger == nil {
		logger = nopLogger
	}
	return &ACPRouter{
		agents:        make(map[string]*acpAgent),
		conversations: make(map[string]ACPState),
		timeout:       acpHandlerTimeout,
		logger:        logger,
	}
}

// Register adds an agent and returns its freshly generated signing
// secret. The agent keeps the secret; the router keeps a copy for
// verification. Duplicate IDs are rejected.
func (r *ACPRouter) Register(agentID string, capabilities []string, handler ACPHandler) ([]byte, error) {
	if agentID == "" || handler == nil {
		return nil, fmt.Errorf("agent id and handler are required")
	}
	secret := make([]byte, acpSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate agent secret: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agentID]; exists {
		return nil, fmt.Errorf("agent %q already registered", agentID)
	}
	r.agents[agentID] = &acpAgent{
		id:           agentID,
		capabilities: capabilities,
		secret:       secret,
		handler:      handler,
	}
	r.logger.Info("acp agent registered", "agent", agentID, "capabilities", capabilities)
	return secret, nil
}

// Capabilities reports a registered agent's capabilities.
func (r *ACPRouter) Capabilities(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[agentID]; ok {
		return append([]string(nil), a.capabilities...)
	}
	return nil
}

// SignACP computes the message signature: HMAC-SHA256 over the canonical
// string `id:from:to:action:timestamp`.
func SignACP(msg ACPMessage, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:%s:%s:%d", msg.ID, msg.From, msg.To, msg.Action, msg.Timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyACP checks a signature in constant time.
func VerifyACP(msg ACPMessage, secret []byte) bool {
	expected := SignACP(msg, secret)
	return hmac.Equal([]byte(expected), []byte(msg.Signature))
}

// Send verifies, state-checks, and routes one message, returning the
// recipient's signed response. Every failure mode maps to a stable error
// code; the router never panics the host.
func (r *ACPRouter) Send(ctx context.Context, msg ACPMessage) (ACPResponse, error) {
	r.mu.RLock()
	sender := r.agents[msg.From]
	recipient := r.agents[msg.To]
	prev, tracked := r.conversations[msg.ConversationID]
	r.mu.RUnlock()

	if sender == nil {
		return r.errorResponse(msg, ACPErrUnknownSender, "sender not registered")
	}
	if !VerifyACP(msg, sender.secret) {
		return r.errorResponse(msg, ACPErrInvalidSignature, "signature mismatch")
	}
	if recipient == nil {
		return r.errorResponse(msg, ACPErrUnknownRecipient, "recipient not registered")
	}

	if !tracked {
		prev = ACPIdle
	}
	if !transitionAllowed(prev, msg.State) {
		return r.errorResponse(msg, ACPErrInvalidTransition,
			fmt.Sprintf("%s -> %s not allowed", prev, msg.State))
	}

	payload, code := r.invoke(ctx, recipient, msg)
	if code != "" {
		// The conversation fails with the handler.
		r.setState(msg.ConversationID, ACPFailed)
		return r.errorResponse(msg, code, "handler did not complete")
	}

	r.setState(msg.ConversationID, msg.State)
	resp := ACPResponse{Type: "response", From: msg.To, Payload: payload}
	resp.Signature = signResponse(resp, recipient.secret)
	return resp, nil
}

// State reports a conversation's current state.
func (r *ACPRouter) State(conversationID string) ACPState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.conversations[conversationID]; ok {
		return s
	}
	return ACPIdle
}

func (r *ACPRouter) setState(conversationID string, state ACPState) {
	r.mu.Lock()
	r.conversations[conversationID] = state
	r.mu.Unlock()
}

func transitionAllowed(from, to ACPState) bool {
	for _, next := range acpTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// invoke runs the handler under the wall-clock timeout, absorbing panics.
func (r *ACPRouter) invoke(ctx context.Context, agent *acpAgent, msg ACPMessage) (json.RawMessage, string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		payload, err := agent.handler(ctx, msg)
		ch <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			r.logger.Warn("acp handler failed", "agent", agent.id, "error", out.err)
			return nil, ACPErrHandlerFailed
		}
		return out.payload, ""
	case <-ctx.Done():
		r.logger.Warn("acp handler timed out", "agent", agent.id)
		return nil, ACPErrHandlerTimeout
	}
}

func (r *ACPRouter) errorResponse(msg ACPMessage, code, detail string) (ACPResponse, error) {
	r.logger.Warn("acp send rejected", "code", code, "from", msg.From, "to", msg.To)
	resp := ACPResponse{Type: "error", Code: code, From: msg.To}
	return resp, &ACPError{Code: code, Message: detail}
}

func signResponse(resp ACPResponse, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:%s", resp.Type, resp.From, resp.Code)
	mac.Write(resp.Payload)
	return hex.EncodeToString(mac.Sum(nil))
}
