package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	gologging "gopkg.in/op/go-logging.v1"

	"github.com/capsules-build/capsule/src/capsule"
	"github.com/capsules-build/capsule/src/cli"
)

// S3Config configures the S3-compatible backend. Uploads and downloads may
// target distinct endpoints/regions (e.g. a local mirror for reads, a
// canonical region for writes); when the upload/download-specific fields
// are unset they fall back to Endpoint/Region.
type S3Config struct {
	Bucket        string // entries
	BucketObjects string // blobs
	Endpoint      string
	Region        string

	UploadEndpoint   string
	UploadRegion     string
	DownloadEndpoint string
	DownloadRegion   string

	UseSSL         bool
	Timeout        time.Duration
	ShardPrefixLen int
}

// s3Backend implements Backend against two buckets: one holding entry
// manifests keyed by inputs hash, one holding content-addressed blobs.
type s3Backend struct {
	cfg       S3Config
	uploads   *minio.Client
	downloads *minio.Client
}

// NewS3Backend constructs a Backend against the given configuration. It
// builds two client instances so upload and download operations can be
// pointed at different S3-compatible peers; when the config doesn't split
// them, both clients target the same endpoint.
func NewS3Backend(cfg S3Config) (Backend, error) {
	transport := &retryablehttp.RoundTripper{
		Client: newRetryableClient(),
	}

	uploadEndpoint := firstNonEmpty(cfg.UploadEndpoint, cfg.Endpoint)
	uploadRegion := firstNonEmpty(cfg.UploadRegion, cfg.Region)
	downloadEndpoint := firstNonEmpty(cfg.DownloadEndpoint, cfg.Endpoint)
	downloadRegion := firstNonEmpty(cfg.DownloadRegion, cfg.Region)

	uploads, err := minio.New(uploadEndpoint, &minio.Options{
		Creds:     credentials.NewChainCredentials(credentialProviders()),
		Secure:    cfg.UseSSL,
		Region:    uploadRegion,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring S3 upload client: %w", err)
	}
	downloads := uploads
	if downloadEndpoint != uploadEndpoint || downloadRegion != uploadRegion {
		downloads, err = minio.New(downloadEndpoint, &minio.Options{
			Creds:     credentials.NewChainCredentials(credentialProviders()),
			Secure:    cfg.UseSSL,
			Region:    downloadRegion,
			Transport: transport,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring S3 download client: %w", err)
		}
	}
	return &s3Backend{cfg: cfg, uploads: uploads, downloads: downloads}, nil
}

func credentialProviders() []credentials.Provider {
	return []credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{},
	}
}

func newRetryableClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = &cli.HTTPLogWrapper{Log: gologging.MustGetLogger("cache.s3")}
	return c
}

func (b *s3Backend) Name() string { return "s3" }

func (b *s3Backend) entryKey(inputsHash string) string {
	return shardedKey(inputsHash, b.cfg.ShardPrefixLen)
}

func (b *s3Backend) blobKey(contentHash string) string {
	return shardedKey(contentHash, b.cfg.ShardPrefixLen)
}

func shardedKey(hash string, prefixLen int) string {
	if prefixLen <= 0 || prefixLen >= len(hash) {
		return hash
	}
	return hash[:prefixLen] + "/" + hash
}

func (b *s3Backend) ctxWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

func (b *s3Backend) LookupEntry(ctx context.Context, inputsHash string) (*capsule.Manifest, error) {
	ctx, cancel := b.ctxWithTimeout(ctx)
	defer cancel()
	obj, err := b.downloads.GetObject(ctx, b.cfg.Bucket, b.entryKey(inputsHash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 lookup_entry: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 lookup_entry: %w", err)
	}
	return decodeManifest(data)
}

func (b *s3Backend) PutEntry(ctx context.Context, manifest *capsule.Manifest) error {
	ctx, cancel := b.ctxWithTimeout(ctx)
	defer cancel()
	data, err := encodeManifest(manifest)
	if err != nil {
		return fmt.Errorf("s3 put_entry: encoding manifest: %w", err)
	}
	_, err = b.uploads.PutObject(ctx, b.cfg.Bucket, b.entryKey(manifest.InputsHash), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("s3 put_entry: %w", err)
	}
	return nil
}

func (b *s3Backend) FetchBlob(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	ctx, cancel := b.ctxWithTimeout(ctx)
	defer cancel()
	obj, err := b.downloads.GetObject(ctx, b.cfg.BucketObjects, b.blobKey(contentHash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 fetch_blob: %w", err)
	}
	// A GetObject call against a missing key doesn't fail until the first
	// read, since minio-go defers the HTTP round trip.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 fetch_blob: %w", err)
	}
	return obj, nil
}

func (b *s3Backend) PutBlob(ctx context.Context, contentHash string, size int64, r io.Reader) error {
	ctx, cancel := b.ctxWithTimeout(ctx)
	defer cancel()
	key := b.blobKey(contentHash)
	// Blobs are content-addressed: if it's already there, uploading again
	// is a harmless no-op, so check first to save bandwidth.
	if _, err := b.uploads.StatObject(ctx, b.cfg.BucketObjects, key, minio.StatObjectOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}
	_, err := b.uploads.PutObject(ctx, b.cfg.BucketObjects, key, r, size, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("s3 put_blob: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.StatusCode == 404
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
