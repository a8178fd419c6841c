// Package s3 implements storage.ContentStore on Amazon S3 or any
// S3-compatible object store.
//
// Objects are stored at <keyPrefix><username>/<filename>, so the bucket
// mirrors the filesystem layout and can be inspected with ordinary S3 tools.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/storage"
)

// S3ContentStore implements storage.ContentStore on an S3 bucket.
//
// S3 has no directories, so Provision is a no-op: an account's namespace
// comes into existence with its first object.
//
// Thread Safety:
// The S3 client is safe for concurrent use; the store holds no other state.
type S3ContentStore struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

var _ storage.ContentStore = (*S3ContentStore)(nil)

// S3ContentStoreConfig contains configuration for the S3 content store.
type S3ContentStoreConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name. It must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "dittobox/" results in keys like "dittobox/alice/notes.txt"
	KeyPrefix string
}

// NewS3ContentStore creates the store and verifies bucket access with a
// HeadBucket request.
func NewS3ContentStore(ctx context.Context, cfg S3ContentStoreConfig) (*S3ContentStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3ContentStore{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// objectKey returns <keyPrefix><username>/<filename>.
func (s *S3ContentStore) objectKey(username, filename string) (string, error) {
	if err := storage.ValidateName(username); err != nil {
		return "", fmt.Errorf("username %q: %w", username, err)
	}
	if err := storage.ValidateName(filename); err != nil {
		return "", fmt.Errorf("filename %q: %w", filename, err)
	}
	return s.keyPrefix + username + "/" + filename, nil
}

// isNotFound recognizes the shapes S3 uses for a missing object: NoSuchKey
// from GetObject, NotFound from HeadObject, and bare API error codes from
// S3-compatible services that return neither typed error.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *S3ContentStore) Provision(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateName(username); err != nil {
		return fmt.Errorf("username %q: %w", username, err)
	}
	return nil
}

// Commit uploads the staged file with a single PutObject and removes it.
func (s *S3ContentStore) Commit(ctx context.Context, username, filename, stagedPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, err := s.objectKey(username, filename)
	if err != nil {
		return err
	}

	f, err := os.Open(stagedPath)
	if err != nil {
		return fmt.Errorf("open staged file: %w: %v", storage.ErrIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat staged file: %w: %v", storage.ErrIO, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w: %v", key, storage.ErrIO, err)
	}

	_ = f.Close()
	if err := os.Remove(stagedPath); err != nil {
		logger.Warn("Committed %s but failed to remove staged file %s: %v", key, stagedPath, err)
	}
	return nil
}

func (s *S3ContentStore) Open(ctx context.Context, username, filename string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	key, err := s.objectKey(username, filename)
	if err != nil {
		return nil, 0, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%s/%s: %w", username, filename, storage.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get object %s: %w: %v", key, storage.ErrIO, err)
	}

	return result.Body, aws.ToInt64(result.ContentLength), nil
}

func (s *S3ContentStore) Exists(ctx context.Context, username, filename string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	key, err := s.objectKey(username, filename)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w: %v", key, storage.ErrIO, err)
	}
	return true, nil
}

// Delete removes the object. S3's DeleteObject succeeds for missing keys, so
// existence is checked first to report ErrNotFound.
func (s *S3ContentStore) Delete(ctx context.Context, username, filename string) error {
	exists, err := s.Exists(ctx, username, filename)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s/%s: %w", username, filename, storage.ErrNotFound)
	}

	key, _ := s.objectKey(username, filename)
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w: %v", key, storage.ErrIO, err)
	}
	return nil
}

func (s *S3ContentStore) Close() error {
	return nil
}
