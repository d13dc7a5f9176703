package cachestore

import (
	"context"

	"go.uber.org/zap"

	"voxprov/internal/core"
	"voxprov/internal/metrics"
)

// Instrumented wraps a cache and reports every operation to Prometheus and
// the debug log.
type Instrumented struct {
	Inner   core.Cache
	Backend string
	Logger  *zap.Logger
}

// Instrument wraps inner. A nil logger disables logging.
func Instrument(inner core.Cache, backend string, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{Inner: inner, Backend: backend, Logger: logger.Named("cache")}
}

func (c *Instrumented) Has(ctx context.Context, key core.LayerKey) (bool, error) {
	ok, err := c.Inner.Has(ctx, key)
	c.observe("has", key, hitOrMiss(ok), err)
	return ok, err
}

func (c *Instrumented) Get(ctx context.Context, key core.LayerKey) (*core.Layer, error) {
	layer, err := c.Inner.Get(ctx, key)
	c.observe("get", key, hitOrMiss(layer != nil), err)
	if layer != nil {
		metrics.RecordCacheBytes(c.Backend, "read", layer.Size())
	}
	return layer, err
}

func (c *Instrumented) Put(ctx context.Context, layer *core.Layer) error {
	err := c.Inner.Put(ctx, layer)
	var key core.LayerKey
	if layer != nil {
		key = layer.Key
	}
	c.observe("put", key, "ok", err)
	if err == nil && layer != nil {
		metrics.RecordCacheBytes(c.Backend, "write", layer.Size())
	}
	return err
}

func (c *Instrumented) observe(op string, key core.LayerKey, result string, err error) {
	if err != nil {
		result = "error"
		c.Logger.Warn("cache operation failed",
			zap.String("backend", c.Backend),
			zap.String("op", op),
			zap.String("key", key.Short()),
			zap.Error(err))
	} else {
		c.Logger.Debug("cache operation",
			zap.String("backend", c.Backend),
			zap.String("op", op),
			zap.String("key", key.Short()),
			zap.String("result", result))
	}
	metrics.RecordCacheOp(c.Backend, op, result)
}

func hitOrMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
