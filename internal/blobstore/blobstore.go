// Package blobstore abstracts the durable page-image storage. The pipeline
// only ever needs get, put, and time-limited write grants.
package blobstore

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the blob storage surface used by the pipeline.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	// PresignPut returns a time-limited URL granting one write to key.
	PresignPut(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
}
