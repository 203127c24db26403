// Package archive moves terminal executions out of the hot store into
// object storage for long-term retention.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Backend stores archived execution records.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
}

// S3Backend archives executions to S3 or MinIO.
type S3Backend struct {
	client     *s3.Client
	bucket     string
	pathPrefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.internal:9000").
	// Leave empty for AWS S3.
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to all archive keys
	PathPrefix string
}

// NewS3Backend creates a new S3/MinIO archive backend.
func NewS3Backend(cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // Default region for MinIO
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3Backend{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

// Put stores one archive document.
func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	if b.pathPrefix != "" {
		key = b.pathPrefix + "/" + key
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return nil
}

// document is the archived shape: execution plus its full log.
type document struct {
	Execution  *types.WorkflowExecution   `json:"execution"`
	Log        []*types.ExecutionLogEntry `json:"log,omitempty"`
	ArchivedAt time.Time                  `json:"archived_at"`
}

// Key derives the archive object key for an execution, partitioned by
// finish date for lifecycle rules.
func Key(exec *types.WorkflowExecution) string {
	day := exec.CreatedAt
	if exec.FinishedAt != nil {
		day = *exec.FinishedAt
	}
	return fmt.Sprintf("executions/%s/%s.json", day.UTC().Format("2006/01/02"), exec.ID)
}

// Encode renders the archive document.
func Encode(exec *types.WorkflowExecution, log []*types.ExecutionLogEntry, archivedAt time.Time) ([]byte, error) {
	return json.Marshal(document{Execution: exec, Log: log, ArchivedAt: archivedAt})
}
