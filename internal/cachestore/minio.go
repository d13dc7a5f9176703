package cachestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"voxprov/internal/core"
)

// MinioOptions configures NewMinioCache.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinioCache stores one JSON object per layer in an S3 compatible bucket.
// Object uploads are atomic, so a reader never sees a partial layer.
type MinioCache struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioCache connects to the object store and creates the bucket when
// it does not exist.
func NewMinioCache(ctx context.Context, o MinioOptions) (*MinioCache, error) {
	if o.Endpoint == "" || o.Bucket == "" {
		return nil, errors.New("minio: endpoint and bucket are required")
	}
	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, o.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, o.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return &MinioCache{client: client, bucket: o.Bucket, prefix: o.Prefix}, nil
}

// objectKey shards layers by the first two key characters.
func objectKey(prefix string, key core.LayerKey) string {
	k := string(key)
	shard := k
	if len(k) >= 2 {
		shard = k[:2]
	}
	return path.Join(strings.Trim(prefix, "/"), "layers", shard, k+".json")
}

func (c *MinioCache) Has(ctx context.Context, key core.LayerKey) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, objectKey(c.prefix, key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("minio stat: %w", err)
	}
	return true, nil
}

func (c *MinioCache) Get(ctx context.Context, key core.LayerKey) (*core.Layer, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, objectKey(c.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("minio get: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("minio read: %w", err)
	}
	return decodeLayer(key, data)
}

func (c *MinioCache) Put(ctx context.Context, layer *core.Layer) error {
	if layer == nil {
		return errors.New("layer is nil")
	}
	data, err := json.Marshal(layer)
	if err != nil {
		return fmt.Errorf("encoding layer: %w", err)
	}
	_, err = c.client.PutObject(ctx, c.bucket, objectKey(c.prefix, layer.Key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"step": layer.Step,
				"op":   string(layer.Op),
			},
		})
	if err != nil {
		return fmt.Errorf("minio put: %w", err)
	}
	return nil
}

func decodeLayer(key core.LayerKey, data []byte) (*core.Layer, error) {
	var layer core.Layer
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("decoding layer %s: %w", key.Short(), err)
	}
	if layer.Key != key {
		return nil, fmt.Errorf("object for %s holds layer %s", key.Short(), layer.Key.Short())
	}
	return &layer, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
