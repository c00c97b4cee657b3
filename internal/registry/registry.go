// Package registry owns the set of active region stream sessions.
//
// Starts and stops for the same region are serialized; different regions never
// wait on each other. A session's state entry lives exactly as long as the
// session: it is cleared when the session is stopped, replaced or ends on its own.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
	"github.com/couchcryptid/storm-stream-client/internal/identity"
	"github.com/couchcryptid/storm-stream-client/internal/observability"
	"github.com/couchcryptid/storm-stream-client/internal/session"
	"github.com/couchcryptid/storm-stream-client/internal/state"
)

var (
	// ErrEmptyRegion is returned when a start is requested without a region name.
	ErrEmptyRegion = errors.New("region name is empty")

	// ErrStartInterrupted is returned when StopAll ran while the start was
	// still acquiring its credential. No session is left running.
	ErrStartInterrupted = errors.New("region start interrupted by stop all")
)

// Options wires the registry's collaborators.
type Options struct {
	Provider  identity.Provider
	Transport session.Transport
	Store     *state.Store
	Logger    *slog.Logger
	Metrics   *observability.Metrics

	// MinValidity is how long the credential must remain valid when a stream opens.
	MinValidity time.Duration
	// RefreshTimeout bounds credential acquisition. Zero means no bound.
	RefreshTimeout time.Duration
}

// Registry maps regions to their running sessions.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session.Session
	locks    map[string]*sync.Mutex
	// generation is bumped by StopAll; a start installs its session only if
	// the generation it began under is still current.
	generation uint64
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*session.Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// StartRegion replaces any running session for region with a new one. The
// previous session has fully stopped and its state entry is cleared before the
// credential is acquired. A credential failure leaves the region stopped and
// returns an error wrapping domain.ErrAuthenticationMissing.
//
// The stream outlives ctx; only StopRegion or StopAll end it.
func (r *Registry) StartRegion(ctx context.Context, region string) error {
	if region == "" {
		return ErrEmptyRegion
	}

	lock := r.regionLock(region)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	r.stop(region)

	cred, err := r.acquire(ctx)
	if err != nil {
		r.opts.Metrics.CredentialAcquires.WithLabelValues("failed").Inc()
		r.opts.Logger.Warn("region start aborted", "region", region, "error", err)
		return fmt.Errorf("start region %s: %w", region, err)
	}
	r.opts.Metrics.CredentialAcquires.WithLabelValues("ok").Inc()

	// Installed under mu so OnEnd cannot observe the map before the session is in it.
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		r.opts.Logger.Info("region start abandoned after stop all", "region", region)
		return fmt.Errorf("start region %s: %w", region, ErrStartInterrupted)
	}
	r.sessions[region] = session.Start(context.WithoutCancel(ctx), session.Params{
		Region:     region,
		Credential: cred,
		Transport:  r.opts.Transport,
		OnUpdate: func(u domain.NormalizedUpdate) {
			r.opts.Store.Set(region, u)
		},
		OnEnd:   r.onEnd,
		Logger:  r.opts.Logger,
		Metrics: r.opts.Metrics,
	})
	r.mu.Unlock()

	r.opts.Logger.Info("region started", "region", region, "user_id", cred.UserID)
	return nil
}

// StartRegions starts each region concurrently and returns the first error.
// A failing region does not prevent the others from starting.
func (r *Registry) StartRegions(ctx context.Context, regions []string) error {
	var g errgroup.Group
	for _, region := range regions {
		g.Go(func() error {
			return r.StartRegion(ctx, region)
		})
	}
	return g.Wait()
}

// StopRegion stops the region's session, waiting for its loop to exit, and
// clears its state entry. It is a no-op when the region is not running.
func (r *Registry) StopRegion(region string) {
	lock := r.regionLock(region)
	lock.Lock()
	defer lock.Unlock()

	if r.stop(region) {
		r.opts.Logger.Info("region stopped", "region", region)
	}
}

// StopAll stops every active session. Starts still acquiring a credential
// when StopAll runs return ErrStartInterrupted instead of installing a session.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.generation++
	r.mu.Unlock()

	for _, region := range r.ActiveRegions() {
		r.StopRegion(region)
	}
}

// ActiveRegions returns the regions with a registered session, sorted.
func (r *Registry) ActiveRegions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	regions := make([]string, 0, len(r.sessions))
	for region := range r.sessions {
		regions = append(regions, region)
	}
	slices.Sort(regions)
	return regions
}

// IsActive reports whether region has a registered session.
func (r *Registry) IsActive(region string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[region]
	return ok
}

// CheckReadiness returns nil once at least one region stream is running.
func (r *Registry) CheckReadiness(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return errors.New("no region stream is running")
	}
	return nil
}

// stop removes and stops the region's session. Caller holds the region lock.
// mu is released before waiting so the session's OnEnd can run.
func (r *Registry) stop(region string) bool {
	r.mu.Lock()
	s, ok := r.sessions[region]
	delete(r.sessions, region)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Stop()
	r.opts.Store.Delete(region)
	return true
}

func (r *Registry) acquire(ctx context.Context) (domain.Credential, error) {
	if r.opts.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RefreshTimeout)
		defer cancel()
	}
	return identity.Acquire(ctx, r.opts.Provider, r.opts.MinValidity)
}

// onEnd drops a session that terminated on its own. A session that was
// already replaced or stopped is ignored.
//
// The state entry is cleared before the session leaves the map and outside mu,
// so observers may call back into the registry. A concurrent start or stop
// pops the session and waits on its Done, which closes only after onEnd
// returns, so no newer session can write the region in between.
func (r *Registry) onEnd(s *session.Session, err error) {
	region := s.Region()
	if !r.isCurrent(region, s) {
		return
	}

	r.opts.Store.Delete(region)

	r.mu.Lock()
	if r.sessions[region] == s {
		delete(r.sessions, region)
	}
	r.mu.Unlock()

	if err != nil {
		r.opts.Logger.Warn("region session removed", "region", region, "error", err)
	}
}

func (r *Registry) isCurrent(region string, s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[region] == s
}

func (r *Registry) regionLock(region string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[region]
	if !ok {
		l = &sync.Mutex{}
		r.locks[region] = l
	}
	return l
}
