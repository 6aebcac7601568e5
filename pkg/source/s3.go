package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lakegate/lakegate/pkg/engine"
)

// S3Config configures an S3-compatible object store.
type S3Config struct {
	// Endpoint is host[:port] or an http(s) URL.
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"-"`
	Region    string `yaml:"region" json:"region"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// S3Store serves s3:// URIs through minio-go.
type S3Store struct {
	client *minio.Client
	region string
}

// NewS3Store creates an S3 store from cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, engine.NewValidationError("s3 endpoint is required", nil)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, engine.NewValidationError("s3 credentials are required", nil)
	}

	endpoint, useSSL := cfg.Endpoint, cfg.UseSSL
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, engine.NewValidationError("invalid s3 endpoint", err)
		}
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, engine.NewFatalError("failed to create s3 client", err)
	}

	return &S3Store{client: client, region: cfg.Region}, nil
}

// Scheme returns "s3".
func (s *S3Store) Scheme() string { return "s3" }

// List returns the objects matching u.
func (s *S3Store) List(ctx context.Context, u *URI) ([]Object, error) {
	var objects []Object
	objectCh := s.client.ListObjects(ctx, u.Host, minio.ListObjectsOptions{
		Prefix:    u.ListPrefix(),
		Recursive: true,
	})

	for obj := range objectCh {
		if obj.Err != nil {
			return nil, classifyS3Error("list", u.String(), obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") || !u.Match(obj.Key) {
			continue
		}
		objects = append(objects, Object{
			URI:     u.WithPath(obj.Key).String(),
			Size:    obj.Size,
			ModTime: obj.LastModified,
			ETag:    obj.ETag,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].URI < objects[j].URI })
	return objects, nil
}

// Fetch downloads the object at u to dst.
func (s *S3Store) Fetch(ctx context.Context, u *URI, dst string) error {
	if err := s.client.FGetObject(ctx, u.Host, u.Path, dst, minio.GetObjectOptions{}); err != nil {
		return classifyS3Error("get", u.String(), err)
	}
	return nil
}

// Put uploads src to u, storing metadata as user metadata.
func (s *S3Store) Put(ctx context.Context, src string, u *URI, metadata map[string]string) error {
	_, err := s.client.FPutObject(ctx, u.Host, u.Path, src, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: metadata,
	})
	if err != nil {
		return classifyS3Error("put", u.String(), err)
	}
	return nil
}

// Stat returns the object at u with its user metadata.
func (s *S3Store) Stat(ctx context.Context, u *URI) (*Object, error) {
	info, err := s.client.StatObject(ctx, u.Host, u.Path, minio.StatObjectOptions{})
	if err != nil {
		return nil, classifyS3Error("stat", u.String(), err)
	}
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")] = v
	}
	return &Object{
		URI:      u.String(),
		Size:     info.Size,
		ModTime:  info.LastModified,
		ETag:     info.ETag,
		Metadata: meta,
	}, nil
}

// EnsureBucket creates bucket if it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classifyS3Error("bucket_exists", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return classifyS3Error("make_bucket", bucket, err)
	}
	return nil
}

// classifyS3Error maps minio-go errors to engine errors.
func classifyS3Error(op, resource string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey":
		return engine.ErrRefNotFound(resource).WithOperation(op)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return engine.NewFatalError("access denied", err).
			WithCode(engine.ErrCodeForbidden).WithResource(resource).WithOperation(op)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return engine.NewTransientError(fmt.Sprintf("%s %s failed", op, resource), err).
			WithCode(engine.ErrCodeTransientIO).WithResource(resource).WithOperation(op)
	}

	if resp.StatusCode == 404 {
		return engine.ErrRefNotFound(resource).WithOperation(op)
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return engine.NewFatalError("access denied", err).
			WithCode(engine.ErrCodeForbidden).WithResource(resource).WithOperation(op)
	}

	cls := engine.NewTransientError(fmt.Sprintf("%s %s failed", op, resource), err).
		WithCode(engine.ErrCodeTransientIO).WithResource(resource).WithOperation(op)
	if errors.Is(err, context.DeadlineExceeded) {
		cls.Code = engine.ErrCodeTimeout
	}
	return cls
}
