// Package s3store is an S3-backed attachqueue.RemoteStore, grounded on
// OpenMined-syftbox's internal/server/blob S3Backend: same client/presigner
// pairing, same bucket+key addressing, same idiom of deriving presigned URLs
// through a dedicated s3.PresignClient. Every upload, download and delete
// call is wrapped in a transport retry (github.com/cenkalti/backoff/v4);
// PresignedURL is not retried. This retry is distinct from the worker's own
// same-attempt retry: this one absorbs brief connection resets at the HTTP
// layer, before the error ever reaches the worker's error-handler decision.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/localfirst/attachqueue"
)

const presignExpiry = 15 * time.Minute

// Config configures a Store.
type Config struct {
	Bucket string
	Client *s3.Client

	// MaxTransportRetries bounds the transport-level retry wrapper. Zero
	// defaults to 3.
	MaxTransportRetries int
}

// Store implements attachqueue.RemoteStore and
// attachqueue.RemoteStoreWithExpiry against a single S3 bucket.
type Store struct {
	bucket    string
	client    *s3.Client
	presigner *s3.PresignClient
	retries   int
}

// New creates a Store from an already-configured *s3.Client (the caller
// loads credentials and region via aws-sdk-go-v2/config, the same way
// NewS3BackendWithConfig does in internal/server/blob/blob_backend_s3.go).
func New(cfg Config) *Store {
	retries := cfg.MaxTransportRetries
	if retries <= 0 {
		retries = 3
	}

	return &Store{
		bucket:    cfg.Bucket,
		client:    cfg.Client,
		presigner: s3.NewPresignClient(cfg.Client),
		retries:   retries,
	}
}

// EnvConfig holds the inputs for NewFromEnv: static credentials plus region
// and an optional non-AWS endpoint (e.g. MinIO, R2), the same shape
// NewS3BackendWithConfig accepts.
type EnvConfig struct {
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UsePathStyle  bool
	MaxTransportRetries int
}

// NewFromEnv builds a *s3.Client from static credentials via
// aws-sdk-go-v2/config and aws-sdk-go-v2/credentials and wraps it in a
// Store, for deployments that configure the bucket directly rather than
// relying on ambient AWS credential discovery.
func NewFromEnv(ctx context.Context, cfg EnvConfig) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("attachqueue/s3store: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return New(Config{Bucket: cfg.Bucket, Client: client, MaxTransportRetries: cfg.MaxTransportRetries}), nil
}

func (s *Store) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.retries)), ctx)
}

// UploadFile streams content to bucket/a.Filename.
func (s *Store) UploadFile(ctx context.Context, a attachqueue.Attachment, content io.Reader) error {
	// S3 PutObject needs a seekable/replayable body for retry; content here
	// is already a single-use stream (the worker re-opens the local file on
	// each of its own retry attempts), so the transport retry wraps only
	// the request round-trip itself, not a re-read of content.
	op := func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(a.Filename),
			Body:   content,
		})
		if err != nil {
			return classify("upload", a.ID, err)
		}

		return nil
	}

	return backoff.Retry(op, s.backoff(ctx))
}

// DownloadFile streams bucket/a.Filename.
func (s *Store) DownloadFile(ctx context.Context, a attachqueue.Attachment) (io.ReadCloser, error) {
	var body io.ReadCloser

	op := func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(a.Filename),
		})
		if err != nil {
			return classify("download", a.ID, err)
		}

		body = resp.Body

		return nil
	}

	if err := backoff.Retry(op, s.backoff(ctx)); err != nil {
		return nil, err
	}

	return body, nil
}

// DeleteFile removes bucket/a.Filename. S3 DeleteObject already reports
// success for a missing key, matching the idempotent-delete contract.
func (s *Store) DeleteFile(ctx context.Context, a attachqueue.Attachment) error {
	op := func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(a.Filename),
		})
		if err != nil {
			return classify("delete", a.ID, err)
		}

		return nil
	}

	return backoff.Retry(op, s.backoff(ctx))
}

// PresignedURL satisfies attachqueue.RemoteStoreWithExpiry.
func (s *Store) PresignedURL(ctx context.Context, a attachqueue.Attachment, ttlSeconds int) (string, error) {
	ttl := presignExpiry
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(a.Filename),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", classify("presign", a.ID, err)
	}

	return req.URL, nil
}

func classify(op, id string, err error) error {
	return &attachqueue.RemoteErr{Op: op, ID: id, Err: fmt.Errorf("%w: %v", wrapKind(err), err)}
}

// wrapKind maps an AWS SDK error to the nearest attachqueue remote-error
// sentinel so callers can still errors.Is against it through the wrapper.
// The SDK's own error types already distinguish "not found" (NoSuchKey)
// from transport failures; anything else defaults to transport, the safer
// classification for the worker's default always-retry policy.
func wrapKind(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return attachqueue.ErrRemoteNotFound
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return attachqueue.ErrRemoteNotFound
	}

	return attachqueue.ErrRemoteTransport
}
