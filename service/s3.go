package service

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"zombiezen.com/go/log"

	"github.com/gophersatwork/buildcache/cachekey"
)

// S3Options configures an [S3Service].
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Token     string
	Secure    bool
	Region    string
	Bucket    string
	// Prefix is prepended to every object name.
	Prefix string
}

// S3Service keeps entries as objects in an S3 bucket.
type S3Service struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 returns a service that stores entries in bucket using client.
func NewS3(client *minio.Client, bucket, prefix string) *S3Service {
	return &S3Service{client: client, bucket: bucket, prefix: prefix}
}

// DialS3 creates a client for opts and returns the service using it.
func DialS3(opts S3Options) (*S3Service, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, opts.Token),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewS3(client, opts.Bucket, opts.Prefix), nil
}

func (s *S3Service) objectName(key cachekey.Key) string {
	return path.Join(s.prefix, key.Hex())
}

// Load implements [Service].
func (s *S3Service) Load(ctx context.Context, key cachekey.Key, reader EntryReader) (bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return false, errors.Wrapf(err, "get %v", key)
	}
	defer obj.Close()

	// GetObject is lazy; Stat reports whether the object exists.
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %v", key)
	}
	if err := reader(obj); err != nil {
		return true, err
	}
	return true, nil
}

// Store implements [Service].
func (s *S3Service) Store(ctx context.Context, key cachekey.Key, writer EntryWriter) error {
	pr, pw := io.Pipe()
	go func() {
		_, err := writer.WriteTo(pw)
		_ = pw.CloseWithError(err)
	}()
	defer pr.Close()

	info, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), pr, writer.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return errors.Wrapf(err, "put %v", key)
	}
	log.Debugf(ctx, "Uploaded %v to %s/%s (%d bytes)", key, info.Bucket, info.Key, info.Size)
	return nil
}

// Close implements [Service].
func (s *S3Service) Close() error {
	return nil
}
