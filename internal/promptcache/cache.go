// Package promptcache memoizes terminal non-streaming responses so an
// identical request can be answered without an upstream round trip. Entries
// are the post-continuation response; streamed requests never touch the
// cache.
package promptcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/translate"
	"github.com/claudegate/claudegate/internal/wire"
)

// Cache is a TTL + LRU bounded response cache. A disabled cache is safe to
// call: Get always misses and Put drops, so the handler path stays
// unconditional.
type Cache struct {
	enabled    bool
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	now     func() time.Time
}

type entry struct {
	key     string
	resp    []byte
	expires time.Time
}

// New builds the cache from config.
func New(cfg config.PromptCache) *Cache {
	return &Cache{
		enabled:    cfg.Enabled,
		ttl:        time.Duration(cfg.TTLS) * time.Second,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		now:        time.Now,
	}
}

// Key derives the cache key from everything that shapes the response: the
// resolved model (aliases of one upstream model share entries), the
// conversation, tools, and sampling knobs. The caller's original model name
// deliberately stays out so it can be re-echoed per caller on a hit.
func Key(req *wire.MessagesRequest) string {
	keyed := struct {
		Model         string           `json:"model"`
		MaxTokens     int              `json:"max_tokens"`
		Messages      []wire.Message   `json:"messages"`
		System        json.RawMessage  `json:"system,omitempty"`
		Tools         []wire.ToolSpec  `json:"tools,omitempty"`
		ToolChoice    *wire.ToolChoice `json:"tool_choice,omitempty"`
		Temperature   *float64         `json:"temperature,omitempty"`
		TopP          *float64         `json:"top_p,omitempty"`
		TopK          *int             `json:"top_k,omitempty"`
		StopSequences []string         `json:"stop_sequences,omitempty"`
	}{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Messages:      req.Messages,
		System:        req.System,
		Tools:         req.Tools,
		ToolChoice:    req.ToolChoice,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	raw, _ := json.Marshal(keyed)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns a deep copy of the cached response for req, with a fresh
// message id and the caller's original model echoed. Expired entries count
// as misses and are dropped in place.
func (c *Cache) Get(req *wire.MessagesRequest) (*wire.MessagesResponse, bool) {
	if !c.enabled {
		return nil, false
	}
	key := Key(req)

	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		metrics.PromptCacheEvents.WithLabelValues("miss").Inc()
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.now().After(ent.expires) {
		c.lru.Remove(el)
		delete(c.entries, key)
		c.mu.Unlock()
		metrics.PromptCacheEvents.WithLabelValues("miss").Inc()
		return nil, false
	}
	c.lru.MoveToFront(el)
	raw := ent.resp
	c.mu.Unlock()

	var resp wire.MessagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.PromptCacheEvents.WithLabelValues("miss").Inc()
		return nil, false
	}
	resp.ID = translate.NewMessageID()
	if req.OriginalModel != "" {
		resp.Model = req.OriginalModel
	}
	metrics.PromptCacheEvents.WithLabelValues("hit").Inc()
	return &resp, true
}

// Put stores a terminal response under req's key, evicting from the LRU tail
// past the entry bound. The response is serialized on the way in, so later
// mutation by the caller cannot reach the cached copy.
func (c *Cache) Put(req *wire.MessagesRequest, resp *wire.MessagesResponse) {
	if !c.enabled || resp == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	key := Key(req)
	expires := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.resp = raw
		ent.expires = expires
		c.lru.MoveToFront(el)
		metrics.PromptCacheEvents.WithLabelValues("store").Inc()
		return
	}

	el := c.lru.PushFront(&entry{key: key, resp: raw, expires: expires})
	c.entries[key] = el
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
	metrics.PromptCacheEvents.WithLabelValues("store").Inc()
}

// Len reports the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
