package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"zapia_ai/internal/entities"
)

// S3 bucket naming: 3-63 characters, lowercase letters, digits, dots and
// hyphens, starting and ending with a letter or digit.
var bucketName = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidBucketName reports whether name is usable on S3 and on disk.
func ValidBucketName(name string) bool {
	return bucketName.MatchString(name)
}

// FSObjectStore keeps one directory per bucket under root, for local runs.
type FSObjectStore struct {
	root string
}

func NewFSObjectStore(root string) *FSObjectStore {
	return &FSObjectStore{root: root}
}

// EnsureBucket is idempotent.
func (s *FSObjectStore) EnsureBucket(_ context.Context, name string) error {
	if !ValidBucketName(name) {
		return entities.Fatal(fmt.Errorf("invalid bucket name %q", name))
	}
	if err := os.MkdirAll(filepath.Join(s.root, name), 0o750); err != nil {
		return entities.Transient(fmt.Errorf("create bucket %s: %w", name, err))
	}
	return nil
}

// S3Options configure an S3 compatible endpoint (AWS, MinIO, R2).
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// S3ObjectStore creates tenant buckets on an S3 compatible service.
type S3ObjectStore struct {
	client *minio.Client
	region string
}

func NewS3ObjectStore(opts S3Options) (*S3ObjectStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3ObjectStore{client: client, region: opts.Region}, nil
}

// EnsureBucket creates name unless this account already owns it.
func (s *S3ObjectStore) EnsureBucket(ctx context.Context, name string) error {
	if !ValidBucketName(name) {
		return entities.Fatal(fmt.Errorf("invalid bucket name %q", name))
	}
	exists, err := s.client.BucketExists(ctx, name)
	if err != nil {
		return classifyS3Error("check bucket "+name, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: s.region})
	if err == nil || minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
		return nil
	}
	return classifyS3Error("create bucket "+name, err)
}

// classifyS3Error retries throttling, server faults and connection problems.
// Anything the service rejected outright, such as a bucket name owned by
// another account, is fatal.
func classifyS3Error(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "":
		return entities.Transient(wrapped)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500, resp.Code == "SlowDown":
		return entities.Transient(wrapped)
	default:
		return entities.Fatal(wrapped)
	}
}
