package stormrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
	"github.com/couchcryptid/storm-stream-client/internal/session"
)

// --- fake storm service ---

type fakeStormService struct {
	mu       sync.Mutex
	requests []session.Request
	auths    []string

	handle func(req session.Request, stream grpc.ServerStream) error
}

func (f *fakeStormService) startStream(_ any, stream grpc.ServerStream) error {
	var req session.Request
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	md, _ := metadata.FromIncomingContext(stream.Context())
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.auths = append(f.auths, md.Get("authorization")...)
	f.mu.Unlock()

	return f.handle(req, stream)
}

func startServer(t *testing.T, svc *fakeStormService) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "storm.StormService",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StartStream",
			Handler:       svc.startStream,
			ServerStreams: true,
		}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// --- tests ---

func TestClient_StreamsUpdatesUntilServerClose(t *testing.T) {
	svc := &fakeStormService{handle: func(req session.Request, stream grpc.ServerStream) error {
		if err := stream.SendMsg(map[string]any{"region": req.Region, "temp": 21.5, "wind_kmh": 40}); err != nil {
			return err
		}
		return stream.SendMsg(map[string]any{"windKmh": "12", "timestamp": "2025-09-14T10:00:00Z"})
	}}
	client := startServer(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.OpenStream(ctx, session.Request{Region: "Atlantic", UserID: "u1"}, "Bearer tok")
	require.NoError(t, err)

	first, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Atlantic", first["region"])
	assert.InDelta(t, 21.5, first["temp"], 0)

	second, err := s.Recv()
	require.NoError(t, err)
	got := domain.Normalize(second, "Atlantic")
	assert.InDelta(t, 12.0, got.WindKmh, 0)
	assert.Equal(t, "2025-09-14T10:00:00Z", got.Timestamp)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []session.Request{{Region: "Atlantic", UserID: "u1"}}, svc.requests)
	assert.Equal(t, []string{"Bearer tok"}, svc.auths)
}

func TestClient_ServerErrorSurfacesStatus(t *testing.T) {
	svc := &fakeStormService{handle: func(session.Request, grpc.ServerStream) error {
		return status.Error(codes.Unauthenticated, "Invalid token")
	}}
	client := startServer(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.OpenStream(ctx, session.Request{Region: "Pacific", UserID: "u1"}, "Bearer bad")
	require.NoError(t, err)

	_, err = s.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.False(t, errors.Is(err, io.EOF))
}

func TestClient_CancelUnblocksRecv(t *testing.T) {
	svc := &fakeStormService{handle: func(_ session.Request, stream grpc.ServerStream) error {
		<-stream.Context().Done()
		return nil
	}}
	client := startServer(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := client.OpenStream(ctx, session.Request{Region: "Atlantic", UserID: "u1"}, "Bearer tok")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}

func TestClient_SessionClassification(t *testing.T) {
	svc := &fakeStormService{handle: func(_ session.Request, stream grpc.ServerStream) error {
		if err := stream.SendMsg(map[string]any{"temp": 5}); err != nil {
			return err
		}
		return status.Error(codes.Unavailable, "redis down")
	}}
	client := startServer(t, svc)

	var (
		mu      sync.Mutex
		updates []domain.NormalizedUpdate
	)
	s := session.Start(context.Background(), session.Params{
		Region:     "Indian",
		Credential: domain.Credential{Token: "tok", UserID: "u1"},
		Transport:  client,
		OnUpdate: func(u domain.NormalizedUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
		Logger:  discardLogger(),
		Metrics: testMetrics(),
	})

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	var te *domain.TransportError
	require.ErrorAs(t, s.Err(), &te)
	assert.Equal(t, codes.Unavailable, status.Code(te.Err))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, "Indian", updates[0].Region)
}
