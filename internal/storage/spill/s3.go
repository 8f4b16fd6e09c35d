package spill

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/circuit"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/retry"
)

// S3Config represents the remote spill bucket
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	Retry           retry.Config
	Breaker         circuit.Config
}

// ObjectAPI is the subset of *s3.Client the spill tier uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS credential chain,
// or from static keys when they are configured.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		// retries are driven by pkg/retry so that they see decoded errors
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "failed to load AWS config")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// S3Store keeps frames as objects under a bucket prefix.
type S3Store struct {
	client  ObjectAPI
	bucket  string
	prefix  string
	retryer *retry.Retryer
	breaker *circuit.Breaker
	logger  *zap.Logger
}

// NewS3Store wraps client. Transient failures are retried with backoff;
// a run of failed requests opens a breaker that fails calls fast.
func NewS3Store(client ObjectAPI, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if client == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("spill.s3")

	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying spill request",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("spill tier state changed",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		retryer: retry.New(retryCfg),
		breaker: circuit.New(BackendS3, breakerCfg),
		logger:  logger,
	}, nil
}

// Name implements Store.
func (s *S3Store) Name() string { return BackendS3 }

// BreakerState reports whether the tier is currently failing fast.
func (s *S3Store) BreakerState() circuit.State { return s.breaker.State() }

func (s *S3Store) objectKey(key string) string {
	return s.prefix + key
}

func (s *S3Store) do(ctx context.Context, fn func(context.Context) error) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, fn)
	})
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, frame []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.objectKey(key)),
			Body:          bytes.NewReader(frame),
			ContentLength: aws.Int64(int64(len(frame))),
			ContentType:   aws.String("application/octet-stream"),
		})
		if err != nil {
			return s.translateError(err, "PutObject", key)
		}
		return nil
	})
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	var data []byte
	err := s.do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			return s.translateError(err, "GetObject", key)
		}
		defer func() { _ = out.Body.Close() }()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return errors.Wrap(errors.ErrCodeSpillIO, err, "failed to read object body")
		}
		return nil
	})
	return data, err
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
			return s.translateError(err, "DeleteObject", key)
		}
		return nil
	})
}

// Close implements Store.
func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return errors.Newf(errors.ErrCodeSpillCorrupt, "spilled chunk %s is missing", key)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, fmt.Sprintf("bucket not found: %s", s.bucket))
	default:
		return errors.Wrap(errors.ErrCodeSpillIO, err, fmt.Sprintf("%s failed for %s", operation, key)).
			WithOperation(operation)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
