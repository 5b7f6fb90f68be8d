package resumable

import (
	"fmt"
	"net/http"
	"time"

	"github.com/objstore-io/go-uploadutils/upload/transport"
)

// ChunkSizeGranularity is the chunk size multiple mandated by the resumable
// upload protocol.
const ChunkSizeGranularity = 256 * 1024

// DefaultBaseURL is the JSON API upload endpoint.
const DefaultBaseURL = "https://storage.googleapis.com/upload/storage/v1"

const (
	defaultRetryLimit      = 5
	defaultDelayMultiplier = 2.0
	defaultTotalTimeout    = 10 * time.Minute
	defaultHighWaterMark   = 16 * 1024 * 1024
)

// ProgressFunc is called after each server-confirmed chunk with the number of
// confirmed bytes and the total content length (0 when unknown).
type ProgressFunc func(written, total int64)

// ResponseFunc is called with each raw chunk response before classification.
// The response body is not usable from the callback.
type ResponseFunc func(resp *http.Response)

// Config describes one resumable upload session.
type Config struct {
	// BaseURL is the upload endpoint. Defaults to DefaultBaseURL.
	BaseURL string
	// Bucket is the destination bucket name. Required.
	Bucket string
	// Object is the destination object name. Required.
	Object string

	// ContentLength is the total upload size in bytes. Zero or negative
	// means the size is unknown and the upload is streamed.
	ContentLength int64
	// ChunkSize is the network chunk size. Zero means the whole body is sent
	// in a single request once the producer finishes. A non-zero value must
	// be a multiple of ChunkSizeGranularity.
	ChunkSize int64

	// Generation, when non-nil, is sent as ifGenerationMatch. An explicit
	// zero is sent as ifGenerationMatch=0, which is distinct from nil.
	Generation *int64
	// PredefinedACL applies a predefined ACL to the finished object.
	PredefinedACL string
	// ContentType of the object. Sent as X-Upload-Content-Type at session
	// creation.
	ContentType string
	// ContentEncoding of the object (e.g. "gzip").
	ContentEncoding string
	// Metadata is free-form object metadata.
	Metadata map[string]string
	// KMSKeyName selects a customer-managed encryption key.
	KMSKeyName string
	// EncryptionKey is a customer-supplied AES-256 key, sent as the
	// x-goog-encryption-* header triple on every request.
	EncryptionKey []byte

	// CRC32C is a precomputed base64 CRC32C checksum. When set, the engine
	// skips its own accumulation and compares this value at completion.
	CRC32C string
	// MD5 is a precomputed base64 MD5 checksum, handled like CRC32C.
	MD5 string
	// EnableMD5 turns on streaming MD5 accumulation. CRC32C is always
	// accumulated unless DisableValidation is set or CRC32C is supplied.
	EnableMD5 bool
	// DisableValidation skips the completion integrity check entirely.
	DisableValidation bool

	// RetryLimit is the maximum number of retried chunk attempts. Default: 5.
	RetryLimit int
	// RetryDelayMultiplier is the exponential backoff base. Default: 2.
	RetryDelayMultiplier float64
	// TotalTimeout caps the elapsed time across all retries, measured from
	// the first chunk request. Default: 10 minutes.
	TotalTimeout time.Duration
	// IsRetryable overrides the default retryability predicate.
	IsRetryable func(statusCode int, err error) bool

	// HighWaterMark is the buffered byte count above which Write blocks
	// until the network loop drains the queue. It must be at least ChunkSize
	// so a full chunk can always buffer, and it is ignored when ChunkSize is
	// zero since a whole-body upload buffers the entire stream.
	// Default: 16 MiB.
	HighWaterMark int64

	// Partial marks the upload as a deliberate pause: when the producer
	// finishes before ContentLength bytes, Close returns ErrUploadIncomplete
	// carrying the session URI instead of a failure.
	Partial bool

	// Token is the bearer token for the authenticated transport.
	Token string
	// Client overrides the transport used for all requests. When nil, a
	// client is built from Token.
	Client *transport.Client

	// Progress, when set, receives confirmed-byte updates.
	Progress ProgressFunc
	// OnResponse, when set, receives each raw chunk response.
	OnResponse ResponseFunc

	// retryJitter overrides the backoff jitter source in tests.
	retryJitter func() time.Duration
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket name must not be empty")
	}
	if c.Object == "" {
		return fmt.Errorf("object name must not be empty")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative")
	}
	if c.ChunkSize > 0 && c.ChunkSize%ChunkSizeGranularity != 0 {
		return fmt.Errorf("chunk size must be a multiple of %d bytes", ChunkSizeGranularity)
	}
	if c.HighWaterMark > 0 && c.ChunkSize > c.HighWaterMark {
		return fmt.Errorf("chunk size (%d) must not exceed the high-water mark (%d)", c.ChunkSize, c.HighWaterMark)
	}
	if len(c.EncryptionKey) > 0 && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(c.EncryptionKey))
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = defaultRetryLimit
	}
	if cfg.RetryDelayMultiplier == 0 {
		cfg.RetryDelayMultiplier = defaultDelayMultiplier
	}
	if cfg.TotalTimeout == 0 {
		cfg.TotalTimeout = defaultTotalTimeout
	}
	if cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = defaultHighWaterMark
	}
	// A full chunk must always fit in the buffer, or the producer and the
	// network loop end up waiting on each other.
	if cfg.ChunkSize > cfg.HighWaterMark {
		cfg.HighWaterMark = cfg.ChunkSize
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = defaultRetryPredicate
	}
	return cfg
}

// Object is the finished object metadata returned by the service.
type Object struct {
	Name            string            `json:"name"`
	Bucket          string            `json:"bucket"`
	Size            int64             `json:"size,string"`
	CRC32C          string            `json:"crc32c"`
	MD5Hash         string            `json:"md5Hash"`
	Generation      int64             `json:"generation,string"`
	Metageneration  int64             `json:"metageneration,string"`
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding"`
	Metadata        map[string]string `json:"metadata"`
}
