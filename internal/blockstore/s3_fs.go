package blockstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3FS writes export files as objects under a bucket/prefix.
type S3FS struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3FS loads the default AWS credential chain for region and connects a
// client scoped to bucket/prefix.
func NewS3FS(ctx context.Context, bucket, region, prefix string) (*S3FS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("blockstore: bucket is required for s3 sink")
	}
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("blockstore: load AWS config: %w", err)
	}
	return &S3FS{client: s3.NewFromConfig(awsCfg), bucket: bucket, prefix: prefix}, nil
}

func (s *S3FS) Writer(ctx context.Context, path string) (io.WriteCloser, error) {
	return &s3Writer{client: s.client, bucket: s.bucket, key: s.key(path), ctx: ctx}, nil
}

func (s *S3FS) List(ctx context.Context, prefix string) ([]*Metadata, error) {
	var out []*Metadata
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &Error{Op: "list", Path: prefix, Err: err}
		}
		for _, obj := range page.Contents {
			out = append(out, &Metadata{
				Path:    s.relative(aws.ToString(obj.Key)),
				Size:    aws.ToInt64(obj.Size),
				ModTime: obj.LastModified.Unix(),
			})
		}
	}
	return out, nil
}

func (s *S3FS) Health(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("blockstore: s3 health check failed: %w", err)
	}
	return nil
}

func (s *S3FS) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func (s *S3FS) relative(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// s3Writer buffers in memory and uploads the whole object on Close, the
// same strategy the teacher's s3Writer uses — adequate for the
// per-partition parquet files the exporter produces, which are bounded by
// one cohort's data.
type s3Writer struct {
	client *s3.Client
	bucket string
	key    string
	ctx    context.Context
	buf    []byte
}

func (w *s3Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *s3Writer) Close() error {
	_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   strings.NewReader(string(w.buf)),
	})
	return err
}
