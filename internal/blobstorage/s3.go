package blobstorage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3BlobStorage stores blobs as S3 objects keyed by digest, placed
// directly under Prefix; unlike the local driver, keys are not sharded.
type S3BlobStorage struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3BlobStorage(cfg S3Config) (*S3BlobStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blobstorage: s3 bucket required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	return &S3BlobStorage{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3BlobStorage) key(digest Digest) string {
	if s.prefix == "" {
		return string(digest)
	}
	return s.prefix + "/" + string(digest)
}

func (s *S3BlobStorage) Put(ctx context.Context, raw []byte) (Digest, error) {
	digest := Sum(raw)
	key := s.key(digest)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return digest, nil // already stored, content-addressed dedup
	}
	if !isNotFound(err) {
		// Auth/transport failures must not masquerade as a cache miss.
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(raw),
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

func (s *S3BlobStorage) Get(ctx context.Context, digest Digest) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// isNotFound classifies missing-object errors across the modeled types
// (GetObject's NoSuchKey, HeadObject's NotFound) and the generic API
// error surface HeadObject actually returns for 404s.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

func (s *S3BlobStorage) Delete(ctx context.Context, digest Digest) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	return err
}
