package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/tradeerr"
)

// Challenge is a login step that needs an answer from the operator.
type Challenge struct {
	Kind      string    `json:"kind"`
	Prompt    string    `json:"prompt"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthRelay hands one challenge at a time from a source to the operator.
type AuthRelay struct {
	timeout  time.Duration
	bus      *events.Bus
	notifier Notifier
	logger   *zap.Logger

	mu      sync.Mutex
	pending *Challenge
	answer  chan string
}

// NewAuthRelay creates a relay whose challenges expire after timeout.
func NewAuthRelay(timeout time.Duration, bus *events.Bus, notifier Notifier, logger *zap.Logger) *AuthRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AuthRelay{
		timeout:  timeout,
		bus:      bus,
		notifier: notifier,
		logger:   logger.Named("auth"),
	}
}

// Challenge publishes a challenge and waits for Respond, the timeout or ctx.
func (a *AuthRelay) Challenge(ctx context.Context, kind, prompt string) (string, error) {
	const op = "auth.Challenge"
	now := time.Now().UTC()
	c := Challenge{Kind: kind, Prompt: prompt, IssuedAt: now, ExpiresAt: now.Add(a.timeout)}
	ch := make(chan string, 1)

	a.mu.Lock()
	if a.pending != nil {
		a.mu.Unlock()
		return "", tradeerr.New(tradeerr.InvariantViolation, op, "another challenge is pending")
	}
	a.pending, a.answer = &c, ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.answer == ch {
			a.pending, a.answer = nil, nil
		}
		a.mu.Unlock()
	}()

	a.bus.Publish(events.EventAuthChallenge, c)
	if a.notifier != nil {
		a.notifier.Notify("", fmt.Sprintf("🔐 %s required: %s\nAnswer via POST /api/auth/challenge within %s", kind, prompt, a.timeout))
	}
	a.logger.Info("auth challenge pending", zap.String("kind", kind))

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case ans := <-ch:
		a.logger.Info("auth challenge answered", zap.String("kind", kind))
		return ans, nil
	case <-timer.C:
		a.logger.Warn("auth challenge expired", zap.String("kind", kind))
		return "", tradeerr.New(tradeerr.AuthTimeout, op, kind+" was not answered in "+a.timeout.String())
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond delivers answer to the pending challenge.
func (a *AuthRelay) Respond(answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return tradeerr.New(tradeerr.NotFound, "auth.Respond", "no challenge is pending")
	}
	a.answer <- answer
	a.pending, a.answer = nil, nil
	return nil
}

// Pending returns the outstanding challenge, if any.
func (a *AuthRelay) Pending() (Challenge, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return Challenge{}, false
	}
	return *a.pending, true
}
