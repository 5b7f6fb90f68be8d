package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// UploadFilesInput is the information that comes from callers of the shared
// file upload implementation.
type UploadFilesInput struct {
	Verbose bool
	Bucket  string
	// Prefix is prepended to every object name.
	Prefix string
	// Paths may contain doublestar glob patterns (such as `build/**/*.apk`).
	Paths       []string
	ContentType string
	// GzipContentEncoding transcodes every file with gzip content encoding.
	GzipContentEncoding bool
	// ChunkSizeBytes is the resumable chunk size; zero sends each file in a
	// single request.
	ChunkSizeBytes int64
}

type filesUploadConfig struct {
	Verbose bool
	Bucket  string
	Prefix  string
	Paths   []string
	BaseURL string
	Token   string
}

type filesUploader struct {
	envRepo      env.Repository
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	uploader     Uploader
}

// NewFilesUploader creates a file uploader instance. `uploader` can be nil,
// unless you want to provide a custom Uploader implementation.
func NewFilesUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	uploader Uploader,
) *filesUploader {
	var uploaderImpl Uploader = uploader
	if uploader == nil {
		uploaderImpl = DefaultUploader{}
	}
	return &filesUploader{
		envRepo:      envRepo,
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		uploader:     uploaderImpl,
	}
}

// UploadFiles expands the input path patterns and uploads every matching
// file to the configured bucket.
func (u *filesUploader) UploadFiles(ctx context.Context, input UploadFilesInput) error {
	config, err := u.createConfig(input)
	if err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}

	var totalBytes int64
	for _, path := range config.Paths {
		fileInfo, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		u.logger.Printf("Uploading %s (%s)", path, units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))

		object := filepath.Base(path)
		if config.Prefix != "" {
			object = strings.TrimSuffix(config.Prefix, "/") + "/" + object
		}

		params := FileUploadParams{
			BaseURL:     config.BaseURL,
			Token:       config.Token,
			Bucket:      config.Bucket,
			Object:      object,
			FilePath:    path,
			ContentType: input.ContentType,
			Gzip:        input.GzipContentEncoding,
			ChunkSize:   input.ChunkSizeBytes,
		}
		if input.Verbose {
			params.Progress = func(written, total int64) {
				u.logger.Debugf("- %s of %s confirmed",
					units.HumanSizeWithPrecision(float64(written), 3),
					units.HumanSizeWithPrecision(float64(total), 3))
			}
		}

		obj, err := u.uploader.Upload(ctx, params, u.logger)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", path, err)
		}
		totalBytes += obj.Size
		u.logger.Donef("Uploaded %s/%s", obj.Bucket, obj.Name)
	}

	u.logger.Printf("Uploaded %d files, %s total", len(config.Paths), units.HumanSizeWithPrecision(float64(totalBytes), 3))
	return nil
}

func (u *filesUploader) createConfig(input UploadFilesInput) (filesUploadConfig, error) {
	if input.Bucket == "" {
		return filesUploadConfig{}, fmt.Errorf("bucket name should not be empty")
	}
	if len(input.Paths) == 0 {
		return filesUploadConfig{}, fmt.Errorf("path list should not be empty")
	}

	finalPaths, err := u.evaluatePaths(input.Paths)
	if err != nil {
		return filesUploadConfig{}, fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(finalPaths) == 0 {
		return filesUploadConfig{}, fmt.Errorf("no files matched the provided paths")
	}

	baseURL := u.envRepo.Get("OBJSTORE_UPLOAD_BASE_URL")
	token := u.envRepo.Get("OBJSTORE_SERVICE_ACCESS_TOKEN")
	if token == "" {
		return filesUploadConfig{}, fmt.Errorf("the secret 'OBJSTORE_SERVICE_ACCESS_TOKEN' is not defined")
	}

	return filesUploadConfig{
		Verbose: input.Verbose,
		Bucket:  input.Bucket,
		Prefix:  input.Prefix,
		Paths:   finalPaths,
		BaseURL: baseURL,
		Token:   token,
	}, nil
}

func (u *filesUploader) evaluatePaths(paths []string) ([]string, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := u.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if matches == nil {
			u.logger.Warnf("No match for path pattern: %s", path)
			continue
		}
		if err != nil {
			u.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	// Validate and sanitize paths
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := u.pathModifier.AbsPath(path)
		if err != nil {
			u.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := u.pathChecker.IsPathExists(absPath)
		if err != nil {
			u.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			u.logger.Warnf("Upload path doesn't exist: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}
