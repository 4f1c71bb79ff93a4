package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const contentType = "text/jsonl"

// ObjectPutter is the subset of *s3.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// S3Archiver stores uploaded change-sets under <prefix><runID>.jsonl.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *zap.Logger
}

func NewS3Archiver(client ObjectPutter, bucket, prefix string, log *zap.Logger) (*S3Archiver, error) {
	if client == nil {
		return nil, errors.New("archive: s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.Named("archive").With(zap.String("bucket", bucket)),
	}, nil
}

// NewS3Client loads the default AWS config with optional static
// credentials and a custom endpoint (LocalStack, MinIO).
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awscfg.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Key is the object key a run's change-set is stored under.
func (a *S3Archiver) Key(runID string) string {
	return a.prefix + runID + ".jsonl"
}

func (a *S3Archiver) Archive(ctx context.Context, runID, path string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("archive: run id is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open change-set: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat change-set: %w", err)
	}

	key := a.Key(runID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.log.Debug("archived change-set", zap.String("key", key), zap.Int64("bytes", info.Size()))
	return nil
}
