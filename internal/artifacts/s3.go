package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Sink.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ManifestEntry is one line of the monthly screenshot index.
type ManifestEntry struct {
	Name    string `json:"name"`
	S3Key   string `json:"s3_key"`
	Bytes   int    `json:"bytes"`
	TakenAt string `json:"taken_at"`
}

// S3Sink uploads screenshots to a bucket and keeps a JSONL index per month.
// With no bucket configured every call is a no-op.
type S3Sink struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

// NewS3Sink creates an S3Sink.
func NewS3Sink(s3Client S3API, bucket string, logger *logging.Logger) *S3Sink {
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Sink{bucket: bucket, s3Client: s3Client, logger: logger.Module("artifacts"), now: time.Now}
}

// Enabled returns true if a bucket is configured.
func (s *S3Sink) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

func (s *S3Sink) Save(ctx context.Context, name string, png []byte) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	now := s.now().UTC()
	key := fmt.Sprintf("screenshots/v1/by-date/%d/%02d/%02d/%s", now.Year(), now.Month(), now.Day(), fileName(name, now))

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(png),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: s3 put %s: %w", key, err)
	}

	entry := ManifestEntry{Name: name, S3Key: key, Bytes: len(png), TakenAt: now.Format(time.RFC3339)}
	if err := s.appendManifest(ctx, now, entry); err != nil {
		s.logger.Warn("failed to append screenshot manifest", "error", err, "key", key)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// appendManifest read-modify-writes the monthly index since S3 has no append.
func (s *S3Sink) appendManifest(ctx context.Context, now time.Time, entry ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("artifacts: marshal manifest entry: %w", err)
	}
	key := fmt.Sprintf("screenshots/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		existing, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", key)
	default:
		return fmt.Errorf("artifacts: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("artifacts: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
