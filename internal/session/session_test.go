package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
	"github.com/couchcryptid/storm-stream-client/internal/observability"
	"github.com/couchcryptid/storm-stream-client/internal/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type recvResult struct {
	raw domain.RawUpdate
	err error
}

// fakeStream delivers whatever the test pushes on msgs. When its context is
// cancelled it returns cancelErr, mimicking transports that surface their own
// error instead of ctx.Err().
type fakeStream struct {
	ctx       context.Context
	msgs      chan recvResult
	cancelErr error
}

func (f *fakeStream) Recv() (domain.RawUpdate, error) {
	select {
	case <-f.ctx.Done():
		if f.cancelErr != nil {
			return nil, f.cancelErr
		}
		return nil, f.ctx.Err()
	case r := <-f.msgs:
		return r.raw, r.err
	}
}

type fakeTransport struct {
	msgs      chan recvResult
	openErr   error
	cancelErr error

	mu       sync.Mutex
	requests []session.Request
	auths    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan recvResult)}
}

func (f *fakeTransport) OpenStream(ctx context.Context, req session.Request, authorization string) (session.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.auths = append(f.auths, authorization)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{ctx: ctx, msgs: f.msgs, cancelErr: f.cancelErr}, nil
}

type recorder struct {
	mu      sync.Mutex
	updates []domain.NormalizedUpdate
	ends    []error
	ended   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan struct{}, 1)}
}

func (r *recorder) onUpdate(u domain.NormalizedUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) onEnd(_ *session.Session, err error) {
	r.mu.Lock()
	r.ends = append(r.ends, err)
	r.mu.Unlock()
	r.ended <- struct{}{}
}

func (r *recorder) snapshot() ([]domain.NormalizedUpdate, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.NormalizedUpdate(nil), r.updates...), append([]error(nil), r.ends...)
}

func start(t *testing.T, tr *fakeTransport, rec *recorder) (*session.Session, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsForTesting()
	s := session.Start(context.Background(), session.Params{
		Region:     "Atlantic",
		Credential: domain.Credential{Token: "tok", UserID: "u1"},
		Transport:  tr,
		OnUpdate:   rec.onUpdate,
		OnEnd:      rec.onEnd,
		Logger:     slog.Default(),
		Metrics:    metrics,
	})
	t.Cleanup(s.Stop)
	return s, metrics
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

// --- tests ---

func TestSession_DeliversUpdatesInOrder(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	s, metrics := start(t, tr, rec)

	tr.msgs <- recvResult{raw: domain.RawUpdate{"temp": 20.0, "wind_kmh": 10.0}}
	tr.msgs <- recvResult{raw: domain.RawUpdate{"region": "Pacific", "temp": 21.0}}
	tr.msgs <- recvResult{err: io.EOF}
	waitDone(t, s)

	updates, ends := rec.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, "Atlantic", updates[0].Region, "falls back to the stream region")
	assert.InDelta(t, 10.0, updates[0].WindKmh, 0)
	assert.Equal(t, "Pacific", updates[1].Region)
	assert.InDelta(t, 21.0, updates[1].Temp, 0)

	require.Len(t, ends, 1)
	assert.NoError(t, ends[0])
	assert.NoError(t, s.Err())
	assert.False(t, s.Active())
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.UpdatesReceived.WithLabelValues("Atlantic")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.StreamTerminations.WithLabelValues("closed")), 0)
}

func TestSession_SendsRequestAndAuthorization(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	s, _ := start(t, tr, rec)

	tr.msgs <- recvResult{err: io.EOF}
	waitDone(t, s)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.requests, 1)
	assert.Equal(t, session.Request{Region: "Atlantic", UserID: "u1"}, tr.requests[0])
	assert.Equal(t, "Bearer tok", tr.auths[0])
}

func TestSession_StopIsCancellation(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	s, metrics := start(t, tr, rec)

	tr.msgs <- recvResult{raw: domain.RawUpdate{"temp": 1.0}}
	require.Eventually(t, func() bool {
		updates, _ := rec.snapshot()
		return len(updates) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Active())

	s.Stop()

	updates, ends := rec.snapshot()
	assert.Len(t, updates, 1)
	require.Len(t, ends, 1)
	assert.ErrorIs(t, ends[0], domain.ErrCancellationStop)
	assert.False(t, s.Active())
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.SessionsActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.StreamTerminations.WithLabelValues("cancelled")), 0)
}

func TestSession_ErrorAfterCancelIsNotTransportError(t *testing.T) {
	tr := newFakeTransport()
	tr.cancelErr = errors.New("rpc error: code = Canceled")
	rec := newRecorder()
	s, _ := start(t, tr, rec)

	s.Stop()

	_, ends := rec.snapshot()
	require.Len(t, ends, 1)
	assert.ErrorIs(t, ends[0], domain.ErrCancellationStop)
	var te *domain.TransportError
	assert.False(t, errors.As(ends[0], &te))
}

func TestSession_ParentContextCancellation(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	s := session.Start(ctx, session.Params{
		Region:     "Pacific",
		Credential: domain.Credential{Token: "tok", UserID: "u1"},
		Transport:  tr,
		OnEnd:      rec.onEnd,
		Logger:     slog.Default(),
		Metrics:    observability.NewMetricsForTesting(),
	})
	cancel()
	waitDone(t, s)

	assert.ErrorIs(t, s.Err(), domain.ErrCancellationStop)
}

func TestSession_RecvFailureIsTransportError(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	s, _ := start(t, tr, rec)

	cause := errors.New("connection reset")
	tr.msgs <- recvResult{err: cause}
	waitDone(t, s)

	_, ends := rec.snapshot()
	require.Len(t, ends, 1)
	var te *domain.TransportError
	require.ErrorAs(t, ends[0], &te)
	assert.Equal(t, "Atlantic", te.Region)
	assert.ErrorIs(t, ends[0], cause)
}

func TestSession_OpenFailureIsTransportError(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr = errors.New("unavailable")
	rec := newRecorder()
	s, metrics := start(t, tr, rec)

	waitDone(t, s)

	var te *domain.TransportError
	require.ErrorAs(t, s.Err(), &te)
	assert.ErrorIs(t, s.Err(), tr.openErr)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.StreamTerminations.WithLabelValues("transport_error")), 0)
}

func TestSession_StopIdempotentAfterTermination(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	s, _ := start(t, tr, rec)

	tr.msgs <- recvResult{err: io.EOF}
	waitDone(t, s)

	s.Stop()
	s.Stop()

	_, ends := rec.snapshot()
	assert.Len(t, ends, 1, "OnEnd runs exactly once")
	assert.NoError(t, s.Err())
}

func TestSession_NoUpdatesAfterStop(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	s, _ := start(t, tr, rec)

	s.Stop()

	select {
	case tr.msgs <- recvResult{raw: domain.RawUpdate{"temp": 99.0}}:
		t.Fatal("stream still receiving after Stop")
	case <-time.After(50 * time.Millisecond):
	}

	updates, _ := rec.snapshot()
	assert.Empty(t, updates)
}
