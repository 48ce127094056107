package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"meal-cost/decision/pricefeed"
	"meal-cost/pkg/platform"
)

// ===== S3 =====

// S3API is the subset of the S3 client the source needs.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config locates a bucket of quote files.
type S3Config struct {
	Region    string
	Endpoint  string // for S3-compatible stores; empty uses AWS
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client from the default AWS chain, or from static
// credentials when an access key is given.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Source reads JSON quote files under a bucket prefix. An object is read
// again only when its ETag changes.
type S3Source struct {
	client S3API
	bucket string
	prefix string

	mu    sync.Mutex
	etags map[string]string
}

// NewS3Source creates a source for s3://bucket/prefix.
func NewS3Source(client S3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix, etags: make(map[string]string)}
}

func (s *S3Source) Name() string { return "s3://" + s.bucket + "/" + s.prefix }

// Fetch returns the quotes of every new or changed object. ETags are only
// remembered once the whole listing was read, so a failed fetch is retried in full.
func (s *S3Source) Fetch(ctx context.Context) ([]pricefeed.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pricefeed.Quote
	seen := make(map[string]string)
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.Name(), err)
		}
		for _, obj := range page.Contents {
			key, etag := aws.ToString(obj.Key), aws.ToString(obj.ETag)
			if s.etags[key] == etag {
				continue
			}
			quotes, err := s.read(ctx, key)
			if err != nil {
				return nil, err
			}
			seen[key] = etag
			out = append(out, withSource(quotes, "s3:"+key)...)
		}
	}
	for key, etag := range seen {
		s.etags[key] = etag
	}
	return out, nil
}

func (s *S3Source) read(ctx context.Context, key string) ([]pricefeed.Quote, error) {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer obj.Body.Close()

	quotes, err := DecodeQuotes(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, err)
	}
	return quotes, nil
}

// ===== HTTP =====

// HTTPSource polls a supplier endpoint returning a JSON array or JSON lines.
type HTTPSource struct {
	client  *platform.HTTPClient
	url     string
	headers map[string]string
}

// NewHTTPSource creates a source for url.
func NewHTTPSource(client *platform.HTTPClient, url string, headers map[string]string) *HTTPSource {
	return &HTTPSource{client: client, url: url, headers: headers}
}

func (s *HTTPSource) Name() string { return s.url }

// Fetch downloads and decodes the current price list.
func (s *HTTPSource) Fetch(ctx context.Context) ([]pricefeed.Quote, error) {
	body, err := s.client.Get(ctx, s.url, s.headers)
	if err != nil {
		return nil, err
	}
	quotes, err := DecodeQuotes(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.url, err)
	}
	return withSource(quotes, s.url), nil
}
