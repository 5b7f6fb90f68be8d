package multipart

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader drives parallel part uploads with retry and hung detection.
type Uploader struct {
	config Config
	logger log.Logger
	stats  *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	return &Uploader{
		config: config,
		logger: logger,
		stats:  NewStats(),
	}
}

// Upload initiates a session for object, uploads all parts from the provider
// in parallel and completes the assembly. On any part failure the session is
// aborted and the first error is returned.
func (u *Uploader) Upload(ctx context.Context, api SessionAPI, provider PartProvider, object string) (*UploadResult, error) {
	numParts := provider.NumParts()
	if numParts == 0 {
		return nil, fmt.Errorf("provider has no parts")
	}

	uploadID, err := api.InitiateUpload(ctx, object)
	if err != nil {
		return nil, fmt.Errorf("initiate upload: %w", err)
	}
	u.logger.Debugf("Multipart upload initiated, ID: %s", uploadID)

	etags, err := u.uploadParts(ctx, api, provider, uploadID, numParts)
	if err != nil {
		if abortErr := api.AbortUpload(context.Background(), uploadID); abortErr != nil {
			u.logger.Warnf("Failed to abort upload %s: %s", uploadID, abortErr)
		}
		return nil, err
	}

	if err := api.CompleteUpload(ctx, uploadID, etags); err != nil {
		if abortErr := api.AbortUpload(context.Background(), uploadID); abortErr != nil {
			u.logger.Warnf("Failed to abort upload %s: %s", uploadID, abortErr)
		}
		return nil, fmt.Errorf("complete upload: %w", err)
	}

	return &UploadResult{UploadID: uploadID, ETags: etags}, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

func (u *Uploader) uploadParts(ctx context.Context, api SessionAPI, provider PartProvider, uploadID string, numParts int) ([]string, error) {
	resultChan := make(chan partResult, numParts)
	semaphore := make(chan struct{}, u.config.Concurrency)

	for i := 0; i < numParts; i++ {
		go func(index int) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			etag, err := u.uploadPartWithRetry(ctx, api, provider, uploadID, index, numParts)
			resultChan <- partResult{
				Index: index,
				ETag:  etag,
				Err:   err,
			}
		}(i)
	}

	etags := make([]string, numParts)
	completedParts := 0
	for completedParts < numParts {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("upload cancelled while waiting for parts: %w", ctx.Err())
		case result := <-resultChan:
			completedParts++
			if result.Err != nil {
				return nil, fmt.Errorf("part %d failed after %d attempts: %w",
					result.Index+1, u.config.MaxRetryPerPart, result.Err)
			}
			etags[result.Index] = result.ETag
		}
	}

	return etags, nil
}

func (u *Uploader) uploadPartWithRetry(ctx context.Context, api SessionAPI, provider PartProvider, uploadID string, index, numParts int) (string, error) {
	var etag string
	var uploadErr error

	for attempt := 0; attempt < u.config.MaxRetryPerPart; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("part %d upload cancelled: %w", index+1, ctx.Err())
		default:
		}

		u.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, numParts, attempt+1, u.config.MaxRetryPerPart,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Second))

		start := time.Now()

		partCtx, cancelPart := context.WithCancel(ctx)

		// Start hung detection goroutine (except on last retry)
		if attempt < u.config.MaxRetryPerPart-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(partCtx, cancelPart, start, index)
		}

		etag, uploadErr = u.uploadPart(partCtx, api, provider, uploadID, index)
		cancelPart()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took)
			u.logger.Debugf("Part %d uploaded in %v, ETag: %s", index+1, took.Round(time.Second), etag)
			return etag, nil
		}

		u.logger.Warnf("Part %d attempt %d failed: %v", index+1, attempt+1, uploadErr)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("part %d upload cancelled: %w", index+1, ctx.Err())
		default:
			backoff := time.Duration((attempt+1)*2) * time.Second
			if partCtx.Err() == context.Canceled {
				// Hung detection cancelled this request
				u.logger.Warnf("Part %d attempt %d cancelled (hung), retrying after %v", index+1, attempt+1, backoff)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("part %d upload cancelled: %w", index+1, ctx.Err())
			}
		}
	}

	return "", fmt.Errorf("upload part %d: %w", index+1, uploadErr)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) uploadPart(ctx context.Context, api SessionAPI, provider PartProvider, uploadID string, index int) (string, error) {
	reader, err := provider.GetPart(index)
	if err != nil {
		return "", fmt.Errorf("get part %d: %w", index+1, err)
	}

	etag, err := api.UploadPart(ctx, uploadID, index+1, reader, provider.PartSize(index))
	if err != nil {
		return "", err
	}
	if etag == "" {
		return "", fmt.Errorf("no ETag for part %d", index+1)
	}

	return etag, nil
}
