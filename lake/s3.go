package lake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// digestMetadataKey is the S3 object metadata key holding the content digest.
// S3 exposes user metadata lowercased, so the key is lowercase from the start.
const digestMetadataKey = "content-sha256"

// S3Config holds configuration for the S3 lake backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3API is the subset of the S3 client the store uses. Satisfied by
// *s3.Client; stubs implement it in tests.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is an S3-backed lake store.
//
// Idempotency uses object metadata: the content digest is stored on every
// object, and a Put against an existing key with the same digest is a skip.
// S3 puts are already atomic at the key level, so no temp-and-rename dance.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates an S3 lake store from the given config.
// Uses the AWS SDK default credential chain (env vars, shared config, role).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// NewS3StoreWithClient creates an S3 store with an injected client.
// Used by tests.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, lakePath string, data []byte) (*WriteResult, error) {
	digest := digestOf(data)
	key := s.key(lakePath)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		if head.Metadata[digestMetadataKey] == digest {
			return &WriteResult{
				LakeURI:       lakePath,
				ContentSHA256: digest,
				ByteCount:     int64(len(data)),
				Status:        StatusSkipped,
			}, nil
		}
		return nil, &PathError{Op: "put", Path: lakePath, Err: ErrDigestConflict}
	} else if !isNotFound(err) {
		return nil, &PathError{Op: "put", Path: lakePath, Err: err}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{digestMetadataKey: digest},
	})
	if err != nil {
		return nil, &PathError{Op: "put", Path: lakePath, Err: err}
	}

	return &WriteResult{
		LakeURI:       lakePath,
		ContentSHA256: digest,
		ByteCount:     int64(len(data)),
		Status:        StatusWritten,
	}, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, lakePath string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(lakePath)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &PathError{Op: "get", Path: lakePath, Err: ErrNotFound}
		}
		return nil, &PathError{Op: "get", Path: lakePath, Err: err}
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &PathError{Op: "get", Path: lakePath, Err: err}
	}
	return data, nil
}

// Close implements Store. The SDK client holds no closable resources.
func (s *S3Store) Close() error { return nil }

func (s *S3Store) key(lakePath string) string {
	if s.prefix == "" {
		return lakePath
	}
	return path.Join(s.prefix, lakePath)
}

// isNotFound classifies SDK errors that mean the object does not exist.
func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// Verify S3Store implements Store.
var _ Store = (*S3Store)(nil)
