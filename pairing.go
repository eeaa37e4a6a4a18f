package orion

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"
)

const (
	// pairingCodeTTL bounds how long a generated code stays valid.
	pairingCodeTTL = 5 * time.Minute

	// pairingTokenBytes is the raw device token length before hex encoding.
	pairingTokenBytes = 64

	// Validation failures are throttled per client prefix.
	pairingMaxFailures   = 5
	pairingFailureWindow = 15 * time.Minute
)

// ErrPairingThrottled rejects validation attempts from a client prefix
// that exceeded the failure budget.
var ErrPairingThrottled = fmt.Errorf("too many failed attempts, try again later")

// PairingManager issues short-lived numeric pairing codes and exchanges
// them for long-lived device tokens. Raw tokens exist only in transit;
// the store holds SHA-256 hashes.
type PairingManager struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	failures map[string]*failureWindow
}

type failureWindow struct {
	count int
	since time.Time
}

// NewPairingManager creates a manager over the given store.
func NewPairingManager(store Store, logger *slog.Logger) *PairingManager {
	if logger == nil {
		logger = nopLogger
	}
	return &PairingManager{
		store:    store,
		logger:   logger,
		failures: make(map[string]*failureWindow),
	}
}

// GenerateCode creates a single-use 6-digit pairing code for the user.
func (p *PairingManager) GenerateCode(ctx context.Context, userID, channel string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	if err := p.store.StorePairingSession(ctx, PairingSession{
		Code:      code,
		UserID:    userID,
		Channel:   channel,
		ExpiresAt: time.Now().Add(pairingCodeTTL).Unix(),
	}); err != nil {
		return "", fmt.Errorf("store pairing session: %w", err)
	}
	p.logger.Info("pairing code issued", "user", userID, "channel", channel)
	return code, nil
}

// Confirm consumes a pairing code and mints the device token. The raw
// token is returned exactly once; only its hash is persisted. A reused or
// expired code fails.
func (p *PairingManager) Confirm(ctx context.Context, code string) (string, error) {
	session, err := p.store.ConsumePairingSession(ctx, code)
	if err != nil {
		return "", fmt.Errorf("consume pairing code: %w", err)
	}
	if time.Now().Unix() > session.ExpiresAt {
		return "", fmt.Errorf("pairing code expired")
	}

	raw := make([]byte, pairingTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	token := hex.EncodeToString(raw)

	if err := p.store.StoreDeviceToken(ctx, DeviceToken{
		TokenHash: hashToken(token),
		UserID:    session.UserID,
		Channel:   session.Channel,
		CreatedAt: NowUnix(),
	}); err != nil {
		return "", fmt.Errorf("store device token: %w", err)
	}
	p.logger.Info("device paired", "user", session.UserID, "channel", session.Channel)
	return token, nil
}

// Validate checks a raw token against stored hashes. clientAddr feeds the
// per-prefix failure throttle; pass the remote address as seen by the
// listener. Returns the token record on success.
func (p *PairingManager) Validate(ctx context.Context, rawToken, clientAddr string) (DeviceToken, error) {
	prefix := clientPrefix(clientAddr)
	if p.throttled(prefix) {
		return DeviceToken{}, ErrPairingThrottled
	}

	hash := hashToken(rawToken)
	stored, err := p.store.GetDeviceToken(ctx, hash)
	if err != nil {
		p.recordFailure(prefix)
		return DeviceToken{}, fmt.Errorf("invalid token")
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(stored.TokenHash)) != 1 {
		p.recordFailure(prefix)
		return DeviceToken{}, fmt.Errorf("invalid token")
	}
	if stored.RevokedAt != nil {
		p.recordFailure(prefix)
		return DeviceToken{}, fmt.Errorf("token revoked")
	}

	if err := p.store.TouchDeviceToken(ctx, hash, NowUnix()); err != nil {
		p.logger.Debug("token touch failed", "error", err)
	}
	return stored, nil
}

// Revoke invalidates a raw token. Validation of a revoked token fails
// permanently.
func (p *PairingManager) Revoke(ctx context.Context, rawToken string) error {
	return p.store.RevokeDeviceToken(ctx, hashToken(rawToken), NowUnix())
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// clientPrefix reduces a remote address to its throttle key: the host
// without the port, so one client cannot dodge the budget by rotating
// source ports.
func clientPrefix(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (p *PairingManager) throttled(prefix string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.failures[prefix]
	if !ok {
		return false
	}
	if time.Since(w.since) > pairingFailureWindow {
		delete(p.failures, prefix)
		return false
	}
	return w.count >= pairingMaxFailures
}

func (p *PairingManager) recordFailure(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.failures[prefix]
	if !ok || time.Since(w.since) > pairingFailureWindow {
		p.failures[prefix] = &failureWindow{count: 1, since: time.Now()}
		return
	}
	w.count++
}
