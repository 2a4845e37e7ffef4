package services

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

// S3ArtifactStore mirrors checkpoints into a bucket under a key prefix.
type S3ArtifactStore struct {
	client     *s3.Client
	bucketName string
	prefix     string
}

var _ ports.ArtifactStore = (*S3ArtifactStore)(nil)

func NewS3ArtifactStore(ctx context.Context, cfg *config.AWSConfig, prefix string) (*S3ArtifactStore, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("AWS region must be specified")
	}

	if cfg.BucketName == "" {
		return nil, fmt.Errorf("AWS bucket name must be specified")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3ArtifactStore{
		client:     client,
		bucketName: cfg.BucketName,
		prefix:     prefix,
	}, nil
}

func (s *S3ArtifactStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	log := logger.WithComponent("s3_artifact_store")
	key := path.Join(s.prefix, name)

	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		log.Error().Err(err).
			Str("bucket", s.bucketName).
			Str("key", key).
			Msg("Failed to upload checkpoint to S3")
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucketName, key)
	log.Info().
		Str("bucket", s.bucketName).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Mirrored checkpoint to S3")

	return location, nil
}
