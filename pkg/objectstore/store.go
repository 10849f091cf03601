// Package objectstore defines the boundary interface the control plane
// depends on for artifact, dataset, and workspace-archive storage. A
// concrete S3-compatible backend is out of scope per spec.md §1 — this
// package exists only to give the webhook file-upload proxy surface and
// the remote-shell adapter a dependency to compile and test against, plus
// an in-memory fake for tests.
package objectstore

import "context"

// MultipartPart is one completed part of a multipart upload.
type MultipartPart struct {
	PartNumber int
	ETag       string
}

// Store is the object-store surface the webhook file-upload proxy
// endpoints and the remote-shell artifact uploader depend on. Key layout
// is deterministic: research-pipeline/{run_id}/{artifact_type}/{filename}
// (spec.md §5, §6), so retries and duplicate uploads are always safe.
type Store interface {
	// PutObject uploads data directly, used by the remote-shell adapter
	// which already has the bytes in hand after an SSH exec.
	PutObject(ctx context.Context, key string, data []byte, contentType string) error

	// PresignUpload returns a client-usable upload URL valid for ttl,
	// for the pipeline to PUT directly to the backing store.
	PresignUpload(ctx context.Context, key, contentType string, ttlSeconds int) (url string, err error)

	// Exists reports whether key is already present.
	Exists(ctx context.Context, key string) (bool, error)

	// InitMultipart starts a multipart upload and returns its upload id.
	InitMultipart(ctx context.Context, key, contentType string) (uploadID string, err error)

	// CompleteMultipart finalizes a multipart upload given its parts.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []MultipartPart) error

	// AbortMultipart cancels an in-progress multipart upload.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// List returns every key under prefix, used for parent-run-file
	// seeding and dataset listing.
	List(ctx context.Context, prefix string) ([]string, error)
}
