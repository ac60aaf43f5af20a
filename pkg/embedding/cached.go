package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/store"
)

// CachedProvider fronts a Provider with a process LRU and an optional shared
// tier (Redis) so replicas reuse each other's vectors. Shared-tier failures
// never fail an embedding; they are logged and the provider is called.
type CachedProvider struct {
	inner     Provider
	local     *LRU
	shared    store.Cache
	sharedTTL time.Duration
	namespace string
	logger    *zap.Logger
}

type CacheOptions struct {
	// Namespace separates vectors of different models.
	Namespace string
	Shared    store.Cache
	SharedTTL time.Duration
	Logger    *zap.Logger
}

func NewCachedProvider(inner Provider, local *LRU, opts CacheOptions) *CachedProvider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if local == nil {
		local = NewLRU(1000, 0)
	}
	return &CachedProvider{
		inner:     inner,
		local:     local,
		shared:    opts.Shared,
		sharedTTL: opts.SharedTTL,
		namespace: opts.Namespace,
		logger:    logger,
	}
}

func (p *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(p.namespace + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	key := p.key(text)
	if vec, ok := p.local.Get(key); ok {
		return vec, nil
	}
	if vec, ok := p.loadShared(ctx, key); ok {
		p.local.Add(key, vec)
		return vec, nil
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.local.Add(key, vec)
	p.storeShared(ctx, key, vec)
	return vec, nil
}

func (p *CachedProvider) loadShared(ctx context.Context, key string) ([]float64, bool) {
	if p.shared == nil {
		return nil, false
	}
	raw, err := p.shared.Get(ctx, key)
	if err != nil {
		if !store.IsMiss(err) {
			p.logger.Warn("embedding shared cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal([]byte(raw), &vec); err != nil || len(vec) == 0 {
		p.logger.Warn("embedding shared cache entry unreadable", zap.String("key", key))
		return nil, false
	}
	return vec, true
}

func (p *CachedProvider) storeShared(ctx context.Context, key string, vec []float64) {
	if p.shared == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := p.shared.Set(ctx, key, string(raw), p.sharedTTL); err != nil {
		p.logger.Warn("embedding shared cache write failed", zap.Error(err))
	}
}
