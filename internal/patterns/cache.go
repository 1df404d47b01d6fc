// Package patterns holds the sentiment pattern clusters and the shared
// embedding cache used to classify feedback against them.
//
// The cache is read-mostly: concurrent readers are safe, and writes (newly
// cached embeddings, custom patterns) are serialized internally. Clusters
// are small, so the all-pairs similarity scan is effectively O(1); the
// latency budget is won by embedding each distinct text at most once.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kaiwa-ai/kaiwa/internal/embedding"
	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// Soft latency contracts. Violations are logged, never errors.
const (
	classifyBudget = 200 * time.Millisecond
	lookupBudget   = 50 * time.Millisecond
)

// Options configures a Cache.
type Options struct {
	// CachePath is the SQLite file for the durable embedding cache.
	// Empty disables durable caching.
	CachePath string
	// CacheSize is the in-memory LRU capacity.
	CacheSize int
	// ConfidenceThreshold gates SimilarityResult.Confident.
	ConfidenceThreshold float64
	// TopK is how many best-matching phrases a SimilarityResult carries.
	TopK int
}

// Cache owns the pattern clusters and the embedding caches. Construct one
// instance and pass it by reference into every component that needs it.
type Cache struct {
	provider embedding.Provider
	logger   *slog.Logger

	lru     *lruCache
	durable *durableCache // nil when no cache path configured
	sf      singleflight.Group

	durableHits atomic.Uint64

	mu        sync.RWMutex
	clusters  map[model.Sentiment]*cluster
	threshold float64
	topK      int
}

// New creates a Cache with the built-in clusters. Call Init before first
// use to pre-compute the phrase embeddings.
func New(provider embedding.Provider, opts Options, logger *slog.Logger) (*Cache, error) {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.55
	}

	c := &Cache{
		provider:  provider,
		logger:    logger,
		lru:       newLRUCache(opts.CacheSize),
		clusters:  newDefaultClusters(),
		threshold: opts.ConfidenceThreshold,
		topK:      opts.TopK,
	}

	if opts.CachePath != "" {
		durable, err := openDurableCache(opts.CachePath)
		if err != nil {
			return nil, err
		}
		c.durable = durable
	}

	return c, nil
}

// Init embeds every reference phrase once. Amortizes the embedding-model
// cost across all later Similarity calls.
func (c *Cache) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sentiment := range clusterOrder {
		cl := c.clusters[sentiment]
		texts := make([]string, len(cl.phrases))
		for i, p := range cl.phrases {
			texts[i] = p.text
		}

		vecs, err := c.embedAllLocked(ctx, texts)
		if err != nil {
			return fmt.Errorf("patterns: embed %s cluster: %w", sentiment, err)
		}
		for i := range cl.phrases {
			cl.phrases[i].vec = vecs[i]
		}
	}

	c.logger.Info("patterns: clusters initialized",
		"positive", len(c.clusters[model.SentimentPositive].phrases),
		"negative", len(c.clusters[model.SentimentNegative].phrases),
		"partial", len(c.clusters[model.SentimentPartial].phrases),
	)
	return nil
}

// embedAllLocked embeds texts through the cache layers, batching only the
// misses to the provider.
func (c *Cache) embedAllLocked(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.lookupCached(ctx, normalize(text)); ok {
			vecs[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		fresh, err := c.provider.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			vec := fresh[j].Slice()
			vecs[idx] = vec
			c.storeCached(ctx, normalize(missTexts[j]), vec)
		}
	}

	return vecs, nil
}

// Embed returns the embedding for text, consulting the in-memory LRU, then
// the durable cache, then the provider. Concurrent misses for the same text
// are deduplicated so the provider sees one request.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := normalize(text)

	if vec, ok := c.lookupCached(ctx, key); ok {
		return vec, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the cache while we
		// waited for the singleflight slot.
		if vec, ok := c.lookupCached(ctx, key); ok {
			return vec, nil
		}
		vec, err := c.provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		slice := vec.Slice()
		c.storeCached(ctx, key, slice)
		return slice, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (c *Cache) lookupCached(ctx context.Context, key string) ([]float32, bool) {
	if vec, ok := c.lru.Get(key); ok {
		return vec, true
	}
	if c.durable == nil {
		return nil, false
	}
	vec, err := c.durable.Get(ctx, key)
	if err != nil {
		c.logger.Warn("patterns: durable cache read failed", "error", err)
		return nil, false
	}
	if vec == nil {
		return nil, false
	}
	c.durableHits.Add(1)
	c.lru.Put(key, vec)
	return vec, true
}

func (c *Cache) storeCached(ctx context.Context, key string, vec []float32) {
	c.lru.Put(key, vec)
	if c.durable != nil {
		if err := c.durable.Put(ctx, key, vec); err != nil {
			c.logger.Warn("patterns: durable cache write failed", "error", err)
		}
	}
}

// Similarity classifies text against the requested cluster, or all clusters
// when only is nil. The result carries per-cluster max similarity, the
// dominant cluster, and the top-k matching phrases ranked by similarity
// descending with ties broken by insertion order.
func (c *Cache) Similarity(ctx context.Context, text string, only *model.Sentiment) (model.SimilarityResult, error) {
	start := time.Now()

	vec, err := c.Embed(ctx, text)
	if err != nil {
		return model.SimilarityResult{}, fmt.Errorf("patterns: embed input: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	scanStart := time.Now()
	result := model.SimilarityResult{
		ClusterScores: make(map[model.Sentiment]float64),
		BestCluster:   model.SentimentNeutral,
	}
	var matches []model.PhraseMatch

	for _, sentiment := range clusterOrder {
		if only != nil && sentiment != *only {
			continue
		}
		cl := c.clusters[sentiment]

		clusterMax := 0.0
		for _, p := range cl.phrases {
			if p.vec == nil {
				continue
			}
			sim := cosineSimilarity(vec, p.vec) * p.confidence
			if sim > clusterMax {
				clusterMax = sim
			}
			matches = append(matches, model.PhraseMatch{Phrase: p.text, Cluster: sentiment, Similarity: sim})
		}

		result.ClusterScores[sentiment] = clusterMax
		if clusterMax > result.BestScore {
			result.BestScore = clusterMax
			result.BestCluster = sentiment
		}
	}

	// Stable sort keeps insertion order for equal similarities.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > c.topK {
		matches = matches[:c.topK]
	}
	result.TopMatches = matches
	result.Confident = result.BestScore >= c.threshold
	if !result.Confident {
		result.BestCluster = model.SentimentNeutral
	}

	if scan := time.Since(scanStart); scan > lookupBudget {
		c.logger.Warn("patterns: cluster scan exceeded budget", "took", scan, "budget", lookupBudget)
	}
	if total := time.Since(start); total > classifyBudget {
		c.logger.Warn("patterns: classification exceeded budget", "took", total, "budget", classifyBudget)
	}

	return result, nil
}

// AddPattern appends a custom phrase to a cluster. Idempotent by content:
// a duplicate phrase in the same cluster is a no-op.
func (c *Cache) AddPattern(ctx context.Context, text string, sentiment model.Sentiment, confidence float64) error {
	if sentiment == model.SentimentNeutral || !sentiment.Valid() {
		return fmt.Errorf("patterns: cannot add pattern to cluster %q", sentiment)
	}
	confidence = model.Clamp01(confidence)

	vec, err := c.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("patterns: embed pattern: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cl := c.clusters[sentiment]
	key := normalize(text)
	for _, p := range cl.phrases {
		if normalize(p.text) == key {
			return nil
		}
	}

	cl.phrases = append(cl.phrases, pattern{text: text, confidence: confidence, vec: vec})
	c.logger.Info("patterns: custom pattern added", "cluster", sentiment, "phrases", len(cl.phrases))
	return nil
}

// ClusterSize returns the number of phrases in a cluster.
func (c *Cache) ClusterSize(sentiment model.Sentiment) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cl, ok := c.clusters[sentiment]; ok {
		return len(cl.phrases)
	}
	return 0
}

// Stats returns cache-hit accounting across both cache layers.
func (c *Cache) Stats() CacheStats {
	s := c.lru.Stats()
	s.DurableHit = c.durableHits.Load()
	return s
}

// ClearCache drops all cached embeddings, in memory and durable. Cluster
// phrase embeddings are untouched.
func (c *Cache) ClearCache(ctx context.Context) error {
	c.lru.Clear()
	if c.durable != nil {
		return c.durable.Clear(ctx)
	}
	return nil
}

// Close releases the durable cache handle.
func (c *Cache) Close() error {
	if c.durable != nil {
		return c.durable.Close()
	}
	return nil
}

// normalize is the cache key function: lowercase, trimmed, single-spaced.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
