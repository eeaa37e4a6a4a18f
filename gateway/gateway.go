// Package gateway exposes the local control surface: a loopback-only
// HTTP listener with a health endpoint, a one-shot message endpoint, a
// usage summary endpoint, and a WebSocket session authenticated by
// paired device tokens.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orionhq/orion"
)

// Processor handles one inbound turn. Implemented by orion.Pipeline.
type Processor interface {
	ProcessTurn(ctx context.Context, ev orion.InboundEvent) (orion.TurnResult, error)
}

// TokenValidator authenticates device tokens. Implemented by
// orion.PairingManager.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken, clientAddr string) (orion.DeviceToken, error)
}

// UsageSource serves usage summaries. Implemented by orion.UsageRecorder.
type UsageSource interface {
	Summary(ctx context.Context, userID string, days int) (orion.UsageSummary, error)
}

// StatusSource reports engine health. Implemented by orion.Orchestrator.
type StatusSource interface {
	Statuses() []orion.EngineStatus
}

// ChannelSource reports channel connectivity. Implemented by
// orion.TransportManager.
type ChannelSource interface {
	ChannelNames() map[string]bool
}

// Server is the loopback HTTP + WebSocket gateway.
type Server struct {
	port      int
	pipeline  Processor
	tokens    TokenValidator
	usage     UsageSource
	engines   StatusSource
	channels  ChannelSource
	userCount func() int
	logger    *slog.Logger

	started  time.Time
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithUsage wires the usage summary endpoint.
func WithUsage(u UsageSource) Option {
	return func(s *Server) { s.usage = u }
}

// WithEngines wires engine statuses into /health.
func WithEngines(e StatusSource) Option {
	return func(s *Server) { s.engines = e }
}

// WithChannels wires channel connectivity into /health.
func WithChannels(c ChannelSource) Option {
	return func(s *Server) { s.channels = c }
}

// WithUserCount wires the active-user gauge into /health.
func WithUserCount(fn func() int) Option {
	return func(s *Server) { s.userCount = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a gateway bound to 127.0.0.1:port.
func New(port int, pipeline Processor, tokens TokenValidator, opts ...Option) *Server {
	s := &Server{
		port:     port,
		pipeline: pipeline,
		tokens:   tokens,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback only; no cross-origin browsers to defend against.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Handler builds the route mux. Exposed so tests can drive it without a
// listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /api/usage/summary", s.handleUsageSummary)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start begins serving on the loopback interface. Blocks until the
// listener fails or Stop is called.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("gateway listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type healthResponse struct {
	Status  string               `json:"status"`
	Uptime  int64                `json:"uptime_seconds"`
	Engines []orion.EngineStatus `json:"engines"`
	// Channels lists currently connected channel names.
	Channels []string `json:"channels"`
	Users    int      `json:"users"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Uptime:   int64(time.Since(s.started).Seconds()),
		Engines:  []orion.EngineStatus{},
		Channels: []string{},
	}
	if s.engines != nil {
		resp.Engines = s.engines.Statuses()
	}
	if s.channels != nil {
		for name, up := range s.channels.ChannelNames() {
			if up {
				resp.Channels = append(resp.Channels, name)
			}
		}
	}
	if s.userCount != nil {
		resp.Users = s.userCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

type messageRequest struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

type messageResponse struct {
	Response string `json:"response"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = "gateway"
	}

	result, err := s.pipeline.ProcessTurn(r.Context(), orion.InboundEvent{
		UserID:     req.UserID,
		ChannelID:  req.ChannelID,
		Text:       req.Text,
		ReceivedAt: time.Now().Unix(),
	})
	if err != nil {
		s.logger.Error("gateway turn failed", "user", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Response: result.Response})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusNotFound, "usage tracking disabled")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	sum, err := s.usage.Summary(r.Context(), userID, days)
	if err != nil {
		s.logger.Error("usage summary failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- WebSocket session ---

type wsFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleWS authenticates the device token, then runs a frame loop:
// message frames go through the pipeline, everything else gets an error
// frame. Auth failure closes with policy violation (1008).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	device, err := s.tokens.Validate(r.Context(), token, r.RemoteAddr)
	if err != nil {
		s.logger.Warn("ws auth rejected", "addr", r.RemoteAddr)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	if err := conn.WriteJSON(wsFrame{Type: "connected", UserID: device.UserID, Channel: device.Channel}); err != nil {
		return
	}
	s.logger.Info("ws session opened", "user", device.UserID)

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.logger.Debug("ws session closed", "user", device.UserID, "error", err)
			return
		}
		s.handleWSFrame(r.Context(), conn, device, frame)
	}
}

func (s *Server) handleWSFrame(ctx context.Context, conn *websocket.Conn, device orion.DeviceToken, frame wsFrame) {
	switch frame.Type {
	case "message":
		_ = conn.WriteJSON(wsFrame{Type: "status", Content: "processing", RequestID: frame.RequestID})
		result, err := s.pipeline.ProcessTurn(ctx, orion.InboundEvent{
			UserID:     device.UserID,
			ChannelID:  device.Channel,
			Text:       frame.Content,
			ReceivedAt: time.Now().Unix(),
		})
		if err != nil {
			_ = conn.WriteJSON(wsFrame{Type: "error", Error: "processing failed", RequestID: frame.RequestID})
			return
		}
		_ = conn.WriteJSON(wsFrame{Type: "response", Content: result.Response, RequestID: frame.RequestID})
	case "ping":
		_ = conn.WriteJSON(wsFrame{Type: "status", Content: "ok", RequestID: frame.RequestID})
	default:
		_ = conn.WriteJSON(wsFrame{
			Type:      "error",
			Error:     fmt.Sprintf("unknown frame type %q", frame.Type),
			RequestID: frame.RequestID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
