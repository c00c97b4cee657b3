// Package session runs the consumption loop of a single region stream.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
	"github.com/couchcryptid/storm-stream-client/internal/observability"
)

// Params configures a region stream session.
type Params struct {
	Region     string
	Credential domain.Credential
	Transport  Transport

	// OnUpdate receives each normalized update in transport order.
	OnUpdate func(domain.NormalizedUpdate)
	// OnEnd is called exactly once with the classified termination error:
	// nil, domain.ErrCancellationStop or *domain.TransportError.
	OnEnd func(*Session, error)

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Session is one running region stream. Callbacks run on the session's own
// goroutine and must not call Stop.
type Session struct {
	region string
	params Params
	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Bool
	err    error
}

// Start opens the region stream and consumes it on a new goroutine.
// It returns immediately; the stream ends when ctx is cancelled, Stop is
// called, or the server closes it.
func Start(ctx context.Context, p Params) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		region: p.Region,
		params: p,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active.Store(true)
	p.Metrics.SessionStarts.WithLabelValues(p.Region).Inc()
	p.Metrics.SessionsActive.Inc()

	go s.run(ctx)
	return s
}

// Region returns the region this session streams.
func (s *Session) Region() string { return s.region }

// Active reports whether the consumption loop is still running.
func (s *Session) Active() bool { return s.active.Load() }

// Done is closed once the consumption loop has exited and OnEnd has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the classified termination error. Only meaningful after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stop cancels the stream and waits for the loop to exit. No update is
// delivered after Stop returns. Safe to call more than once.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	err := s.consume(ctx)
	s.err = domain.Classify(s.region, err, ctx.Err() != nil)

	s.active.Store(false)
	s.params.Metrics.SessionsActive.Dec()
	s.params.Metrics.StreamTerminations.WithLabelValues(domain.TerminationReason(s.err)).Inc()
	s.logEnd()

	if s.params.OnEnd != nil {
		s.params.OnEnd(s, s.err)
	}
}

func (s *Session) consume(ctx context.Context) error {
	p := s.params
	stream, err := p.Transport.OpenStream(ctx, Request{Region: s.region, UserID: p.Credential.UserID}, p.Credential.AuthorizationHeader())
	if err != nil {
		return err
	}
	p.Logger.Info("region stream opened", "region", s.region)

	for {
		raw, err := stream.Recv()
		// Anything that arrives after cancellation is dropped.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}

		update := domain.Normalize(raw, s.region)
		p.Metrics.UpdatesReceived.WithLabelValues(s.region).Inc()
		if p.OnUpdate != nil {
			p.OnUpdate(update)
		}
	}
}

func (s *Session) logEnd() {
	var te *domain.TransportError
	switch {
	case s.err == nil:
		s.params.Logger.Info("region stream closed by server", "region", s.region)
	case errors.Is(s.err, domain.ErrCancellationStop):
		s.params.Logger.Info("region stream cancelled", "region", s.region)
	case errors.As(s.err, &te):
		s.params.Logger.Error("region stream failed", "region", s.region, "error", te.Err)
	}
}
