package orion

import "context"

// Channel is the adapter contract for one concrete transport. Adapters
// live outside the runtime; the TransportManager only sees this surface.
//
// Send returns false when the adapter could not deliver; the manager then
// falls through to the next channel in priority order.
type Channel interface {
	// Name identifies the channel in priority lists and pairing records.
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsConnected() bool
	Send(ctx context.Context, userID, text string) bool
	// SendWithConfirm delivers text and blocks on an approval prompt.
	// The result reports whether the user approved.
	SendWithConfirm(ctx context.Context, userID, text, prompt string) bool
}
