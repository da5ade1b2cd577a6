package rank

import (
	"context"
	"io"
	"time"
)

// TaskStore persists work items and performs the atomic ownership transitions.
// Touch, Requeue and Delete only apply while the row is still processing and
// owned by item.WorkerID; otherwise they return ErrClaimLost.
type TaskStore interface {
	Claim(ctx context.Context, owner string, limit int, now time.Time) ([]WorkItem, error)
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
	Touch(ctx context.Context, item WorkItem, now time.Time) error
	Requeue(ctx context.Context, item WorkItem) error
	Delete(ctx context.Context, item WorkItem) error
	Ping(ctx context.Context) error
	Close() error
}

// TaskProducer adds new pending items to a task store.
type TaskProducer interface {
	Enqueue(ctx context.Context, keyword, target string) (WorkItem, error)
}

// ResultSink receives every terminal item outcome.
type ResultSink interface {
	Emit(ctx context.Context, item WorkItem, result RankResult) error
}

// EgressRotator requests a new network identity.
type EgressRotator interface {
	Rotate(ctx context.Context) (Rotation, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Page is the browser surface the engine drives while resolving one item.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	VisibleText(ctx context.Context) (string, error)
	Type(ctx context.Context, selector, text string) error
	Submit(ctx context.Context, selector string) error
	ClickDetached(ctx context.Context, selector string) error
	WaitURL(ctx context.Context, substr string, timeout time.Duration) error
	Settle(ctx context.Context) error
	ClickAndCapture(ctx context.Context, selector string, match func(url string) bool, timeout time.Duration) ([]byte, error)
	ObservedURLs() []string
}

// Session is a Page bound to one worker slot's browser profile.
type Session interface {
	Page
	Close() error
}

// SessionFactory opens a fresh browser session for a worker slot.
type SessionFactory interface {
	Open(ctx context.Context, slot int) (Session, error)
}

// Hasher computes digests for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces owner identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
