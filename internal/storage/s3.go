package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image-comparator/internal/retry"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/xerrors"
)

type s3Storage struct {
	client *s3.Client
	config S3Config
}

type S3Config struct {
	Bucket string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Falls back to S3_ENDPOINT_URL.
	Endpoint string
	// RetryOn replaces the SDK retryer with retry.Transport when set,
	// e.g. "gateway-error,connect-failure".
	RetryOn    string
	MaxRetries uint
}

func NewS3Storage(ctx context.Context, s S3Config) (Storage, error) {
	if s.Bucket == "" {
		return nil, xerrors.New("s3 bucket is required")
	}
	if s.Endpoint == "" {
		s.Endpoint = os.Getenv("S3_ENDPOINT_URL")
	}

	var transport *retry.Transport
	if s.RetryOn != "" {
		policy, err := retry.ParsePolicy(s.RetryOn)
		if err != nil {
			return nil, xerrors.Errorf("failed to parse S3 retry policy: %w", err)
		}
		transport = &retry.Transport{
			Base:     http.DefaultTransport,
			Strategy: retry.ExponentialBackOff{Base: 100 * time.Millisecond, Max: 5 * time.Second, MaxRetries: s.MaxRetries},
			Policy:   policy,
		}
	}

	c, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to load AWS config: %w", err)
	}
	s3Client := s3.NewFromConfig(c, func(o *s3.Options) {
		o.UsePathStyle = true
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		if transport != nil {
			o.HTTPClient = &http.Client{Transport: transport}
			o.RetryMaxAttempts = 1
		}
	})

	return &s3Storage{
		client: s3Client,
		config: s,
	}, nil
}

func (s *s3Storage) Put(ctx context.Context, key string, data []byte) (string, error) {
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	}); err != nil {
		return "", xerrors.Errorf("failed to upload to S3: %w", err)
	}

	return s.url(key), nil
}

func (s *s3Storage) Get(ctx context.Context, url string) ([]byte, error) {
	key, ok := strings.CutPrefix(url, s.url(""))
	if !ok || key == "" {
		return nil, xerrors.Errorf("%s is not in bucket %s: %w", url, s.config.Bucket, ErrForeignURL)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) && responseErr.HTTPStatusCode() == http.StatusNotFound {
		return nil, xerrors.Errorf("%s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()

	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(result.Body); err != nil {
		return nil, xerrors.Errorf("failed to read S3 object: %w", err)
	}

	return buffer.Bytes(), nil
}

func (s *s3Storage) url(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.config.Bucket, key)
}
