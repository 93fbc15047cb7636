// Package blob stores generated image bytes in object storage and hands out
// time-limited download URLs for gallery reads.
package blob

import (
	"context"
	"time"
)

// Store is the artifact storage contract.
type Store interface {
	// Put writes data under key with the given content type.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// PresignGet returns a short-lived download URL for key.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Delete removes the object under key.
	Delete(ctx context.Context, key string) error
}
