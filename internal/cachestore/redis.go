package cachestore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"voxprov/internal/core"
)

const defaultRedisPrefix = "voxprov:layer:"

// RedisCache stores each layer as a Redis hash: field "meta" holds the
// layer without file contents and field "blob:<i>" the content of Files[i].
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	// Addr is host:port or a redis://, rediss:// or redis-sentinel:// URL.
	Addr string
	// Prefix namespaces the keys (default "voxprov:layer:").
	Prefix string
	// TTL expires layers; zero keeps them forever.
	TTL time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, o RedisOptions) (*RedisCache, error) {
	opts, err := parseRedisURL(o.Addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := o.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: c, prefix: prefix, ttl: o.TTL}, nil
}

// parseRedisURL parses addr into UniversalOptions. A value without a scheme
// is a plain host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis: address is required")
	}
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	parseDB := func(s string) error {
		db, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = db
		return nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			if err := parseDB(p); err != nil {
				return nil, err
			}
		} else if s := q.Get("db"); s != "" {
			if err := parseDB(s); err != nil {
				return nil, err
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if s := q.Get("db"); s != "" {
			if err := parseDB(s); err != nil {
				return nil, err
			}
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}

func (c *RedisCache) key(k core.LayerKey) string { return c.prefix + string(k) }

func (c *RedisCache) Has(ctx context.Context, key core.LayerKey) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

func (c *RedisCache) Get(ctx context.Context, key core.LayerKey) (*core.Layer, error) {
	fields, err := c.client.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	meta, ok := fields["meta"]
	if !ok {
		return nil, nil
	}
	var layer core.Layer
	if err := json.Unmarshal([]byte(meta), &layer); err != nil {
		return nil, fmt.Errorf("decoding layer %s: %w", key.Short(), err)
	}
	if layer.Key != key {
		return nil, fmt.Errorf("redis entry %s holds layer %s", key.Short(), layer.Key.Short())
	}
	for i := range layer.Files {
		if layer.Files[i].Kind != core.KindFile {
			continue
		}
		blob, ok := fields[blobField(i)]
		if !ok {
			return nil, fmt.Errorf("layer %s is missing blob %d", key.Short(), i)
		}
		layer.Files[i].Content = []byte(blob)
	}
	return &layer, nil
}

func (c *RedisCache) Put(ctx context.Context, layer *core.Layer) error {
	if layer == nil {
		return errors.New("layer is nil")
	}
	values := make(map[string]any, len(layer.Files)+1)
	meta := *layer
	meta.Files = make([]core.LayerFile, len(layer.Files))
	for i, f := range layer.Files {
		if f.Kind == core.KindFile {
			values[blobField(i)] = f.Content
		}
		f.Content = nil
		meta.Files[i] = f
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding layer: %w", err)
	}
	values["meta"] = data

	k := c.key(layer.Key)
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, values)
		if c.ttl > 0 {
			p.Expire(ctx, k, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *RedisCache) Close() error { return c.client.Close() }

func blobField(i int) string { return "blob:" + strconv.Itoa(i) }
