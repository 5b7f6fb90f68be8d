// Package upload is the high-level front end of the uploader library: it
// expands local path patterns and streams the matching files to object
// storage through the resumable upload engine.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/gzip"

	"github.com/objstore-io/go-uploadutils/upload/resumable"
)

// FileUploadParams describes one file upload.
type FileUploadParams struct {
	BaseURL     string
	Token       string
	Bucket      string
	Object      string
	FilePath    string
	ContentType string
	// Gzip transcodes the stream with gzip content encoding; the upload is
	// streamed with unknown length in that case.
	Gzip bool
	// ChunkSize is passed through to the resumable engine. Zero uploads the
	// whole body in one request.
	ChunkSize int64
	// Progress receives confirmed-byte updates.
	Progress resumable.ProgressFunc
}

// Uploader ...
type Uploader interface {
	Upload(ctx context.Context, params FileUploadParams, logger log.Logger) (*resumable.Object, error)
}

// DefaultUploader streams files through the resumable upload engine.
type DefaultUploader struct{}

// Upload ...
func (DefaultUploader) Upload(ctx context.Context, params FileUploadParams, logger log.Logger) (*resumable.Object, error) {
	file, err := os.Open(params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	cfg := resumable.Config{
		BaseURL:     params.BaseURL,
		Token:       params.Token,
		Bucket:      params.Bucket,
		Object:      params.Object,
		ContentType: params.ContentType,
		ChunkSize:   params.ChunkSize,
		Progress:    params.Progress,
	}

	if params.Gzip {
		cfg.ContentEncoding = "gzip"
	} else {
		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat file: %w", err)
		}
		cfg.ContentLength = info.Size()
	}

	writer, err := resumable.Upload(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := copyBody(writer, file, params.Gzip); err != nil {
		writer.Abort()
		_ = writer.Close() //nolint:errcheck
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return writer.Result(), nil
}

func copyBody(writer *resumable.Writer, file *os.File, gzipped bool) error {
	if !gzipped {
		if _, err := io.Copy(writer, file); err != nil {
			return fmt.Errorf("stream file: %w", err)
		}
		return nil
	}

	gz := gzip.NewWriter(writer)
	if _, err := io.Copy(gz, file); err != nil {
		return fmt.Errorf("gzip file: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flush gzip stream: %w", err)
	}
	return nil
}
