// Package multipart implements the parallel multi-part upload path used for
// very large objects: initiate a session, upload numbered parts concurrently
// with retry and hung detection, then complete (or abort) the assembly.
package multipart

import (
	"context"
	"io"
)

// SessionAPI is the wire-protocol collaborator: it creates, feeds and
// finalizes one multipart upload session on the remote service.
type SessionAPI interface {
	// InitiateUpload creates a session for the object and returns its upload ID.
	InitiateUpload(ctx context.Context, object string) (string, error)

	// UploadPart transmits one numbered part (1-based) and returns its entity tag.
	UploadPart(ctx context.Context, uploadID string, partNumber int, body io.Reader, size int64) (string, error)

	// CompleteUpload assembles the uploaded parts in part-number order.
	CompleteUpload(ctx context.Context, uploadID string, etags []string) error

	// AbortUpload discards the session and any uploaded parts.
	AbortUpload(ctx context.Context, uploadID string) error
}

// PartProvider provides part data for upload.
// Implementations can read from files or memory buffers.
type PartProvider interface {
	// NumParts returns the total number of parts.
	NumParts() int

	// PartSize returns the size of the part at the given index (0-based).
	PartSize(index int) int64

	// GetPart returns a reader for the part at the given index.
	// For retries, GetPart may be called multiple times for the same index.
	GetPart(index int) (io.Reader, error)
}

// partResult is the outcome of uploading a single part.
type partResult struct {
	Index int
	ETag  string
	Err   error
}

// UploadResult describes a completed multipart upload.
type UploadResult struct {
	UploadID string
	ETags    []string
}
