package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"renderhub/internal/ports"
)

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// Prefix is prepended to every key, e.g. "renderhub/".
	Prefix string
	// PathStyle is needed by MinIO and most self-hosted endpoints.
	PathStyle bool
}

// Client implements ports.StorageProvider on an S3-compatible bucket.
type Client struct {
	api    *s3.Client
	bucket string
	prefix string
}

// New builds a client from static credentials, or from the default AWS
// credential chain when none are given.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Client{api: api, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (c *Client) Provider() string { return "s3" }

func (c *Client) key(objectKey string) string {
	objectKey = strings.TrimLeft(objectKey, "/")
	if c.prefix == "" {
		return objectKey
	}
	return c.prefix + "/" + objectKey
}

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(in.ObjectKey)),
		Body:   in.Reader,
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}
	if in.Size > 0 {
		input.ContentLength = aws.Int64(in.Size)
	}

	if _, err := c.api.PutObject(ctx, input); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("s3 put %s: %w", in.ObjectKey, err)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, ports.ObjectInfo, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(objectKey)),
	})
	if err != nil {
		return nil, ports.ObjectInfo{}, fmt.Errorf("s3 get %s: %w", objectKey, err)
	}
	return out.Body, ports.ObjectInfo{
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(strings.TrimSuffix(c.key(prefix), "/") + "/"),
	})

	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3 delete %s: %w", prefix, err)
		}
	}
	return nil
}
