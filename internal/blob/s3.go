package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Options struct {
	Bucket        string
	Region        string
	Endpoint      string
	Prefix        string
	PublicBaseURL string
}

// S3 keeps objects in an S3-compatible bucket.
type S3 struct {
	Client S3API
	Opts   S3Options
	Now    func() time.Time
}

// NewS3 loads AWS credentials from the default chain. A custom endpoint
// switches to path-style addressing for MinIO and similar servers.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("blob: s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blob: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{Client: client, Opts: opts, Now: time.Now}, nil
}

func (s *S3) objectKey(key string) string {
	if s.Opts.Prefix == "" {
		return key
	}
	return path.Join(s.Opts.Prefix, key)
}

func (s *S3) urlFor(key string) string {
	if s.Opts.PublicBaseURL != "" {
		return strings.TrimRight(s.Opts.PublicBaseURL, "/") + "/" + key
	}
	return "s3://" + s.Opts.Bucket + "/" + key
}

func (s *S3) keyFromURL(url string) (string, bool) {
	if s.Opts.PublicBaseURL != "" {
		if key, ok := strings.CutPrefix(url, strings.TrimRight(s.Opts.PublicBaseURL, "/")+"/"); ok {
			return key, key != ""
		}
	}
	key, ok := strings.CutPrefix(url, "s3://"+s.Opts.Bucket+"/")
	return key, ok && key != ""
}

func (s *S3) Store(ctx context.Context, data []byte, contentType string) (Object, error) {
	key := s.objectKey(NewKey(s.Now(), contentType))
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.Opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.Client.PutObject(ctx, in); err != nil {
		return Object{}, fmt.Errorf("blob: s3 put %s: %w", key, err)
	}
	return Object{Key: key, URL: s.urlFor(key), Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *S3) Fetch(ctx context.Context, url string) ([]byte, error) {
	key, ok := s.keyFromURL(url)
	if !ok {
		return nil, ErrNotFound
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: s3 read %s: %w", key, err)
	}
	return data, nil
}
