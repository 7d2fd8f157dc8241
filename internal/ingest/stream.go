package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/tradeerr"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 90 * time.Second
)

var errStreamClosed = errors.New("stream closed by peer")

// StreamConfig points at the message gateway.
type StreamConfig struct {
	URL          string
	Token        string
	Channels     []string
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// frame is the gateway wire format in both directions.
type frame struct {
	Type     string           `json:"type"`
	Channel  string           `json:"channel,omitempty"`
	ID       int64            `json:"id,omitempty"`
	Text     string           `json:"text,omitempty"`
	Kind     string           `json:"kind,omitempty"`
	Prompt   string           `json:"prompt,omitempty"`
	Answer   string           `json:"answer,omitempty"`
	Channels []string         `json:"channels,omitempty"`
	Since    map[string]int64 `json:"since,omitempty"`
	Token    string           `json:"token,omitempty"`
}

// StreamSource reads channel messages from a websocket gateway and enqueues them.
type StreamSource struct {
	cfg      StreamConfig
	sink     Sink
	relay    *AuthRelay
	notifier Notifier
	logger   *zap.Logger

	mu     sync.Mutex
	lastID map[string]int64
}

// NewStreamSource creates a source. relay answers login challenges.
func NewStreamSource(cfg StreamConfig, sink Sink, relay *AuthRelay, notifier Notifier, logger *zap.Logger) *StreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = time.Minute
	}
	return &StreamSource{
		cfg:      cfg,
		sink:     sink,
		relay:    relay,
		notifier: notifier,
		logger:   logger.Named("stream"),
		lastID:   make(map[string]int64),
	}
}

// Name implements Source.
func (s *StreamSource) Name() string { return SourceStream }

// Run keeps a session open until ctx ends, reconnecting with exponential
// backoff. An unanswered login challenge ends it for good.
func (s *StreamSource) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.MinReconnect
	policy.MaxInterval = s.cfg.MaxReconnect

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if tradeerr.Is(err, tradeerr.AuthTimeout) {
			s.logger.Error("stream login abandoned", zap.Error(err))
			if s.notifier != nil {
				s.notifier.Notify("", "⛔ signal stream stopped: login challenge was not answered")
			}
			return err
		}
		if connected {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		s.logger.Warn("stream disconnected, reconnecting", zap.Error(err), zap.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (s *StreamSource) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Info("stream connected", zap.String("url", s.cfg.URL), zap.Strings("channels", s.cfg.Channels))
	if err := s.write(conn, frame{Type: "subscribe", Channels: s.cfg.Channels, Since: s.since(), Token: s.cfg.Token}); err != nil {
		return true, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errStreamClosed
			}
			return true, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))

		switch f.Type {
		case "message":
			if err := s.handleMessage(ctx, f); err != nil {
				return true, err
			}
		case "auth_challenge":
			if s.relay == nil {
				return true, tradeerr.New(tradeerr.AuthTimeout, "stream.session", "login challenge with no relay")
			}
			answer, err := s.relay.Challenge(ctx, f.Kind, f.Prompt)
			if err != nil {
				return true, err
			}
			if err := s.write(conn, frame{Type: "auth_response", Kind: f.Kind, Answer: answer}); err != nil {
				return true, err
			}
		case "ping":
			if err := s.write(conn, frame{Type: "pong"}); err != nil {
				return true, err
			}
		default:
			s.logger.Debug("unknown frame", zap.String("type", f.Type))
		}
	}
}

// handleMessage drops anything at or below the last id seen on the channel.
func (s *StreamSource) handleMessage(ctx context.Context, f frame) error {
	if len(s.cfg.Channels) > 0 && !slices.Contains(s.cfg.Channels, f.Channel) {
		s.logger.Debug("message from unmonitored channel", zap.String("channel", f.Channel))
		return nil
	}
	s.mu.Lock()
	if f.ID > 0 && f.ID <= s.lastID[f.Channel] {
		s.mu.Unlock()
		s.logger.Debug("duplicate message", zap.String("channel", f.Channel), zap.Int64("id", f.ID))
		return nil
	}
	if f.ID > 0 {
		s.lastID[f.Channel] = f.ID
	}
	s.mu.Unlock()

	return s.sink.Enqueue(ctx, Job{Source: SourceStream, Channel: f.Channel, MsgID: f.ID, Text: f.Text})
}

func (s *StreamSource) since() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastID) == 0 {
		return nil
	}
	out := make(map[string]int64, len(s.lastID))
	for k, v := range s.lastID {
		out[k] = v
	}
	return out
}

func (s *StreamSource) write(conn *websocket.Conn, f frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}
