package session

import (
	"context"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
)

// Request identifies the stream to open.
type Request struct {
	Region string `json:"region"`
	UserID string `json:"user_id"`
}

// Stream is an open server stream. Recv returns io.EOF once the server closes
// the stream cleanly.
type Stream interface {
	Recv() (domain.RawUpdate, error)
}

// Transport opens server streams. Cancelling ctx must unblock a pending Recv
// on the returned stream.
type Transport interface {
	OpenStream(ctx context.Context, req Request, authorization string) (Stream, error)
}
