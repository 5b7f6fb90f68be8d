// Package s3 uploads objects through the AWS SDK's managed multipart
// uploader, as a fallback backend for buckets that live on S3-compatible
// storage instead of the resumable JSON API.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numUploadRetries = 3

// UploadParams ...
type UploadParams struct {
	FilePath        string
	FileChecksum    string
	FileSize        int64
	ObjectKey       string
	ContentType     string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PartSizeMB      int64
}

type uploadService struct {
	client      *s3.Client
	bucket      string
	filePath    string
	checksum    string
	fileSize    int64
	contentType string
	partSizeMB  int64
}

// Upload sends a local file to an S3 bucket under the given object key.
// If an object with the same key and checksum already exists, the upload is
// skipped.
func Upload(ctx context.Context, params UploadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if params.ObjectKey == "" {
		return fmt.Errorf("object key must not be empty")
	}
	if params.FilePath == "" {
		return fmt.Errorf("file path must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	partSizeMB := params.PartSizeMB
	if partSizeMB == 0 {
		partSizeMB = 10
	}

	service := &uploadService{
		client:      s3.NewFromConfig(*cfg),
		bucket:      params.Bucket,
		filePath:    params.FilePath,
		checksum:    params.FileChecksum,
		fileSize:    params.FileSize,
		contentType: params.ContentType,
		partSizeMB:  partSizeMB,
	}

	return service.upload(ctx, params.ObjectKey, logger)
}

func (service *uploadService) upload(ctx context.Context, objectKey string, logger log.Logger) error {
	checksum, err := service.findChecksumWithRetry(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}

	if checksum != "" && checksum == service.checksum {
		logger.Debugf("Found object with the same checksum, skipping upload")
		return nil
	}

	logger.Debugf("Uploading object...")
	if err := service.putObjectWithRetry(ctx, objectKey); err != nil {
		return fmt.Errorf("upload object: %w", err)
	}

	return nil
}

// findChecksumWithRetry looks the object up in the bucket.
// If the object is present, it returns its SHA-256 checksum.
// If the object isn't present, it returns an empty string.
func (service *uploadService) findChecksumWithRetry(ctx context.Context, objectKey string) (string, error) {
	var checksum string
	err := retry.Times(numUploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := service.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					// continue with upload
					return nil, true
				default:
					return fmt.Errorf("validating object: %w", err), false
				}
			}
		}

		attributes, err := service.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
			ObjectAttributes: []types.ObjectAttributes{
				"Checksum",
			},
		})
		if err != nil {
			return fmt.Errorf("get object attributes: %w", err), false
		}

		if attributes != nil && attributes.Checksum != nil && attributes.Checksum.ChecksumSHA256 != nil {
			decodedChecksum, err := base64.StdEncoding.DecodeString(*attributes.Checksum.ChecksumSHA256)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}

			checksum = hex.EncodeToString(decodedChecksum)
		}

		return nil, true
	})

	return checksum, err
}

func (service *uploadService) putObjectWithRetry(ctx context.Context, objectKey string) error {
	return retry.Times(numUploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(service.filePath)
		if err != nil {
			return fmt.Errorf("open file path: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		uploader := manager.NewUploader(service.client, func(u *manager.Uploader) {
			u.PartSize = service.partSizeMB * 1024 * 1024
		})

		input := &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(service.bucket),
			Key:               aws.String(objectKey),
			ContentLength:     aws.Int64(service.fileSize),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		}
		if service.contentType != "" {
			input.ContentType = aws.String(service.contentType)
		}

		if _, err := uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("upload object: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("Using static AWS credentials")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
