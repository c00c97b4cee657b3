// Package stormrpc opens region server streams against the storm gRPC service.
package stormrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
	"github.com/couchcryptid/storm-stream-client/internal/session"
)

// DefaultMethod is the server-streaming RPC that delivers region updates.
const DefaultMethod = "/storm.StormService/StartStream"

var streamDesc = grpc.StreamDesc{
	StreamName:    "StartStream",
	ServerStreams: true,
}

// Client implements session.Transport over a gRPC client connection.
type Client struct {
	conn   *grpc.ClientConn
	method string
}

// Dial creates a client for addr. The connection is established lazily on the
// first stream. Extra dial options are appended after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", addr, err)
	}
	return &Client{conn: conn, method: DefaultMethod}, nil
}

// OpenStream sends the region request and returns the server stream. The
// stream is bound to ctx; cancelling it unblocks Recv.
func (c *Client) OpenStream(ctx context.Context, req session.Request, authorization string) (session.Stream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", authorization)

	cs, err := c.conn.NewStream(ctx, &streamDesc, c.method)
	if err != nil {
		return nil, fmt.Errorf("open stream for region %s: %w", req.Region, err)
	}
	if err := cs.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("send stream request for region %s: %w", req.Region, err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send for region %s: %w", req.Region, err)
	}
	return &stream{cs: cs}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

type stream struct {
	cs grpc.ClientStream
}

// Recv returns io.EOF unwrapped when the server ends the stream with OK status.
func (s *stream) Recv() (domain.RawUpdate, error) {
	var raw domain.RawUpdate
	if err := s.cs.RecvMsg(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

var _ session.Transport = (*Client)(nil)
