// Package s3source reads CEL rule sources from an S3-compatible bucket.
package s3source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/liamcoop/dss/rules"
	"github.com/liamcoop/dss/rules/celrules"
)

// maxSourceSize caps how much of an object is read as rule text
const maxSourceSize = 1 << 20

// missingCodes are S3 error codes treated as "rule not here"
var missingCodes = map[string]bool{
	"NoSuchKey":    true,
	"NotFound":     true,
	"NoSuchBucket": true,
	"AccessDenied": true,
}

// Config holds construction parameters. Credentials come from the default
// AWS chain.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional; set for MinIO and other S3-compatible stores
	PathStyle bool
}

// ConfigFromEnv reads DSS_S3_BUCKET, DSS_S3_PREFIX, DSS_S3_REGION,
// DSS_S3_ENDPOINT and DSS_S3_PATH_STYLE
func ConfigFromEnv() Config {
	return Config{
		Bucket:    os.Getenv("DSS_S3_BUCKET"),
		Prefix:    os.Getenv("DSS_S3_PREFIX"),
		Region:    os.Getenv("DSS_S3_REGION"),
		Endpoint:  os.Getenv("DSS_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("DSS_S3_PATH_STYLE"), "true"),
	}
}

// Source fetches <Prefix><qualified name>.cel objects
type Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an S3 client from cfg and the default AWS configuration.
// Extra load options are applied after the region.
func New(ctx context.Context, cfg Config, loadOpts ...func(*config.LoadOptions) error) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := append([]func(*config.LoadOptions) error{config.WithRegion(region)}, loadOpts...)
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *s3.Client, bucket, prefix string) *Source {
	return &Source{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key holding qualifiedName
func (s *Source) Key(qualifiedName string) string {
	return s.prefix + qualifiedName + celrules.SourceExtension
}

func (s *Source) Source(ctx context.Context, qualifiedName string) (string, error) {
	key := s.Key(qualifiedName)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && missingCodes[apiErr.ErrorCode()] {
			return "", fmt.Errorf("%w: s3://%s/%s", rules.ErrImplementationNotFound, s.bucket, key)
		}
		return "", fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxSourceSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	if len(body) > maxSourceSize {
		return "", fmt.Errorf("s3://%s/%s exceeds %d bytes", s.bucket, key, maxSourceSize)
	}
	return string(body), nil
}

var _ celrules.SourceProvider = (*Source)(nil)
