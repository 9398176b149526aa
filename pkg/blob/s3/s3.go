// Package s3 provides an S3-compatible implementation of [blob.Store].
//
// It works against AWS S3 as well as MinIO and other S3-compatible object
// stores (path-style addressing is used when a custom endpoint is
// configured). Seeks are implemented with HTTP Range requests, so a resumed
// ingestion job re-opens the object at its checkpointed offset instead of
// re-downloading the prefix.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/vectory-io/vectory/pkg/blob"
)

// Config holds connection settings for an S3-compatible object store.
type Config struct {
	// Endpoint overrides the AWS endpoint, e.g. "http://localhost:9000" for
	// MinIO. Leave empty for AWS S3.
	Endpoint string

	// Region is the bucket region. MinIO accepts any non-empty value.
	Region string

	// Bucket is the bucket all objects are stored in.
	Bucket string

	// AccessKey and SecretKey are static credentials. When both are empty
	// the default AWS credential chain is used.
	AccessKey string
	SecretKey string
}

// Store is a [blob.Store] backed by an S3-compatible bucket.
type Store struct {
	client   *awss3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// Compile-time interface check.
var _ blob.Store = (*Store)(nil)

// New creates a Store from cfg and verifies the bucket is reachable.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 blob store: bucket must not be empty")
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 blob store: create session: %w", err)
	}

	client := awss3.New(sess)
	return &Store{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
	}, nil
}

// object is a lazily-ranged reader over one S3 object. The body stream is
// (re)opened on first Read after construction or after a Seek.
type object struct {
	ctx    context.Context
	client *awss3.S3
	bucket string
	key    string
	size   int64
	offset int64
	body   io.ReadCloser
}

func (o *object) Size() int64 { return o.size }

func (o *object) Read(p []byte) (int, error) {
	if o.offset >= o.size {
		return 0, io.EOF
	}
	if o.body == nil {
		out, err := o.client.GetObjectWithContext(o.ctx, &awss3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(o.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", o.offset)),
		})
		if err != nil {
			return 0, fmt.Errorf("s3 blob store: range get %q at %d: %w", o.key, o.offset, err)
		}
		o.body = out.Body
	}
	n, err := o.body.Read(p)
	o.offset += int64(n)
	return n, err
}

func (o *object) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = o.offset + offset
	case io.SeekEnd:
		abs = o.size + offset
	default:
		return 0, fmt.Errorf("s3 blob store: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("s3 blob store: negative seek offset %d", abs)
	}
	if abs != o.offset && o.body != nil {
		o.body.Close()
		o.body = nil
	}
	o.offset = abs
	return abs, nil
}

func (o *object) Close() error {
	if o.body == nil {
		return nil
	}
	err := o.body.Close()
	o.body = nil
	return err
}

// Open implements [blob.Store]. The object size is resolved with a HEAD
// request; the body itself is fetched lazily with Range GETs.
func (s *Store) Open(ctx context.Context, handle string) (blob.Object, error) {
	head, err := s.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("s3 blob store: head %q: %w", handle, err)
	}
	return &object{
		ctx:    ctx,
		client: s.client,
		bucket: s.bucket,
		key:    handle,
		size:   aws.Int64Value(head.ContentLength),
	}, nil
}

// Put implements [blob.Store] using the multipart uploader, which streams r
// in parts without buffering the whole object.
func (s *Store) Put(ctx context.Context, handle string, r io.Reader) (int64, error) {
	counted := &countingReader{r: r}
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
		Body:   counted,
	})
	if err != nil {
		return 0, fmt.Errorf("s3 blob store: upload %q: %w", handle, err)
	}
	return counted.n, nil
}

// Delete implements [blob.Store].
func (s *Store) Delete(ctx context.Context, handle string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		if isNotFound(err) {
			return blob.ErrNotFound
		}
		return fmt.Errorf("s3 blob store: delete %q: %w", handle, err)
	}
	return nil
}

// countingReader counts bytes as the uploader consumes them.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// isNotFound reports whether err is an S3 missing-object/bucket error.
func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case awss3.ErrCodeNoSuchKey, awss3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}
