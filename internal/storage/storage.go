package storage

import (
	"context"
	"errors"
)

// ErrInvalidDelta marks a delta or batch the store refuses on its content.
var ErrInvalidDelta = errors.New("invalid delta")

// Store persists uploaded deltas and client progress. Every call is scoped to
// one user; deltas of different users never mix.
type Store interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// InsertDeltas stores a batch uploaded by clientID and returns the latest
	// server sequence of the user. A delta already stored for the same client
	// and delta id is skipped, so a retried upload is harmless.
	InsertDeltas(ctx context.Context, userID string, clientID string, batchID string, deltas []Delta) (int64, error)

	// GetDeltasSince returns the deltas with serverSeq > since, along with the
	// latest serverSeq, which is returned even when no delta matched.
	GetDeltasSince(ctx context.Context, userID string, since int64) ([]Delta, int64, error)

	// TouchClient upserts client presence without advancing the cursor.
	TouchClient(ctx context.Context, userID string, clientID string) error

	// UpdateClientCursor moves the client cursor to serverSeq unless it is
	// already further.
	UpdateClientCursor(ctx context.Context, userID string, clientID string, serverSeq int64) error

	// ClientCursor returns the last acknowledged serverSeq of the client, 0 when
	// the client is unknown.
	ClientCursor(ctx context.Context, userID string, clientID string) (int64, error)
}
