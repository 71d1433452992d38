// Package media stores uploaded and federated media content-addressed in
// S3: the object key is derived from the SHA-256 of the content, so
// re-uploads deduplicate and a fetched object can be verified against its
// ID.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNotFound is returned for media IDs with no stored content.
var ErrNotFound = errors.New("media: not found")

// ErrCorrupt means stored content no longer matches its content address.
var ErrCorrupt = errors.New("media: stored content does not match its id")

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store is a content-addressed S3 media store.
type Store struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// Config holds S3 store settings. Endpoint supports MinIO and LocalStack.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewStore builds a store against real S3 using ambient AWS credentials.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("media: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newStore(client, cfg), nil
}

func newStore(client s3API, cfg Config) *Store {
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: slog.Default().With("component", "media"),
	}
}

// MediaID derives the content address: unpadded URL-safe base64 of the
// SHA-256, the same alphabet used for event reference hashes.
func MediaID(content []byte) string {
	sum := sha256.Sum256(content)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (s *Store) key(mediaID string) string {
	return s.prefix + mediaID
}

// Put stores content and returns its media ID. Storing the same bytes
// twice is a no-op.
func (s *Store) Put(ctx context.Context, content []byte, contentType string) (string, error) {
	id := MediaID(content)
	key := s.key(id)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return id, nil
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("media: put %s: %w", id, err)
	}
	s.logger.Debug("stored media", "media_id", id, "bytes", len(content))
	return id, nil
}

// Get retrieves content by media ID and re-verifies the content address
// before returning it.
func (s *Store) Get(ctx context.Context, mediaID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(mediaID)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, mediaID, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("media: read %s: %w", mediaID, err)
	}
	actual := MediaID(content)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(mediaID)) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, mediaID)
	}
	return content, nil
}

// Exists reports whether the media ID has stored content.
func (s *Store) Exists(ctx context.Context, mediaID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(mediaID)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes stored content.
func (s *Store) Delete(ctx context.Context, mediaID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(mediaID)),
	})
	if err != nil {
		return fmt.Errorf("media: delete %s: %w", mediaID, err)
	}
	return nil
}
