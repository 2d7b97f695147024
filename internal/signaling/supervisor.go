package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/pkg/retry"
)

// DialFunc opens a fresh channel under the session's participant identifier.
type DialFunc func(ctx context.Context) (*Channel, error)

// Supervisor wraps a Channel with reconnect-on-close behavior: after an
// unexpected close it waits a fixed delay, redials under the same identifier
// and rebinds the envelope handler. It never reconnects after Close and never
// holds more than one pending reconnect timer.
type Supervisor struct {
	logger   *zap.SugaredLogger
	dial     DialFunc
	delay    time.Duration
	attempts int
	onError  func(error)

	ctx context.Context

	mu      sync.Mutex
	ch      *Channel
	handler func(domain.Envelope)
	stopped bool
	pending bool
}

// NewSupervisor creates a supervisor. onError is invoked when a reconnect
// round fails entirely; the caller surfaces it without changing call state.
func NewSupervisor(dial DialFunc, delay time.Duration, attempts int, logger *zap.SugaredLogger, onError func(error)) *Supervisor {
	if attempts < 1 {
		attempts = 1
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Supervisor{
		logger:   logger,
		dial:     dial,
		delay:    delay,
		attempts: attempts,
		onError:  onError,
	}
}

// Start dials the initial channel. The context is retained for redials.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx = ctx
	ch, err := s.dialOnce(ctx)
	if err != nil {
		return err
	}
	s.install(ch)
	return nil
}

func (s *Supervisor) dialOnce(ctx context.Context) (*Channel, error) {
	var ch *Channel
	err := retry.Do(ctx, retry.Fixed(s.attempts, s.delay), func() error {
		var dialErr error
		ch, dialErr = s.dial(ctx)
		return dialErr
	})
	return ch, err
}

func (s *Supervisor) install(ch *Channel) {
	s.mu.Lock()
	s.ch = ch
	if s.handler != nil {
		ch.Bind(s.handler)
	}
	s.mu.Unlock()

	ch.OnClose(s.channelClosed)
	ch.Listen()
}

// Bind installs the envelope handler on the current and all future channels.
func (s *Supervisor) Bind(h func(domain.Envelope)) {
	s.mu.Lock()
	s.handler = h
	ch := s.ch
	s.mu.Unlock()
	if ch != nil {
		ch.Bind(h)
	}
}

// Send forwards one envelope over the current channel.
func (s *Supervisor) Send(env domain.Envelope) error {
	s.mu.Lock()
	ch, stopped := s.ch, s.stopped
	s.mu.Unlock()
	if stopped || ch == nil {
		return domain.ErrChannelClosed
	}
	return ch.Send(env)
}

// Close stops reconnecting and closes the current channel. Idempotent; it
// runs before peer teardown so no reconnect can fire mid-cleanup.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

// channelClosed is the Channel's unexpected-close callback.
func (s *Supervisor) channelClosed(err error) {
	s.mu.Lock()
	if s.stopped || s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.ch = nil
	s.mu.Unlock()

	s.logger.Warnw("signaling channel closed unexpectedly, scheduling reconnect",
		"error", err, "delay", s.delay)
	time.AfterFunc(s.delay, s.reconnect)
}

func (s *Supervisor) reconnect() {
	s.mu.Lock()
	if s.stopped {
		s.pending = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ch, err := s.dialOnce(s.ctx)

	s.mu.Lock()
	if s.stopped {
		s.pending = false
		s.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		// Keep the single pending timer alive and try again after the
		// fixed delay; the call phase is not touched.
		s.mu.Unlock()
		s.logger.Errorw("signaling reconnect failed", "error", err)
		s.onError(err)
		time.AfterFunc(s.delay, s.reconnect)
		return
	}
	s.pending = false
	s.mu.Unlock()

	s.install(ch)
	s.logger.Infow("signaling channel reestablished")
}
