// Package notify delivers operator notifications off the caller's goroutine.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
	Name() string
}

type note struct {
	channelID string
	text      string
}

// Notifier queues messages and fans them out to every Sender from a single
// worker. Notify never blocks and never reports delivery errors.
type Notifier struct {
	senders        []Sender
	defaultChannel string
	queue          chan note
	logger         *zap.Logger

	maxTries    uint
	retryDelay  time.Duration
	sendTimeout time.Duration
	dropped     atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithRetry sets the number of tries per sender and the initial backoff delay.
func WithRetry(tries uint, delay time.Duration) Option {
	return func(n *Notifier) {
		n.maxTries = tries
		n.retryDelay = delay
	}
}

// New creates a Notifier with a queue of buffer messages.
func New(senders []Sender, defaultChannel string, buffer int, logger *zap.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 1 {
		buffer = 1
	}
	n := &Notifier{
		senders:        senders,
		defaultChannel: defaultChannel,
		queue:          make(chan note, buffer),
		logger:         logger.Named("notify"),
		maxTries:       3,
		retryDelay:     500 * time.Millisecond,
		sendTimeout:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify enqueues text for channelID; an empty channelID uses the default.
// When the queue is full the message is dropped.
func (n *Notifier) Notify(channelID, text string) {
	if n == nil {
		return
	}
	if channelID == "" {
		channelID = n.defaultChannel
	}
	select {
	case n.queue <- note{channelID: channelID, text: text}:
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification queue full, dropping message", zap.String("channel", channelID))
	}
}

// Run delivers queued messages until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			n.dispatch(ctx, msg)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, msg note) {
	for _, s := range n.senders {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = n.retryDelay
		policy.MaxInterval = n.retryDelay * 10

		operation := func() (struct{}, error) {
			sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
			defer cancel()
			return struct{}{}, s.Send(sendCtx, msg.channelID, msg.text)
		}
		retryLog := func(err error, d time.Duration) {
			n.logger.Debug("notification retry", zap.String("sender", s.Name()), zap.Error(err), zap.Duration("backoff", d))
		}

		_, err := backoff.Retry(ctx, operation,
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(n.maxTries),
			backoff.WithNotify(retryLog))
		if err != nil {
			n.failed.Add(1)
			n.logger.Error("notification failed",
				zap.String("sender", s.Name()),
				zap.String("channel", msg.channelID),
				zap.Error(err),
			)
			continue
		}
		n.delivered.Add(1)
	}
}

// Stats reports delivery counters: delivered, failed, dropped.
func (n *Notifier) Stats() (delivered, failed, dropped uint64) {
	return n.delivered.Load(), n.failed.Load(), n.dropped.Load()
}
