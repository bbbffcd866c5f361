// Package cache provides in-memory caching of RAG answers keyed by chat
// and question, so a repeated or retried prompt within a chat does not
// re-run the full retrieve/rerank/compose pipeline.
package cache

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/connexus-ai/uia-backend/internal/service"
)

// AnswerCache caches service.RAGAnswer by (chatID, question). Thread-safe
// via sync.RWMutex. Entries auto-expire after TTL.
type AnswerCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	stopCh  chan struct{}
}

type cacheEntry struct {
	result    *service.RAGAnswer
	createdAt time.Time
	expiresAt time.Time
}

// New creates an AnswerCache with the given TTL and starts background cleanup.
func New(ttl time.Duration) *AnswerCache {
	c := &AnswerCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns a cached RAGAnswer if present and not expired.
func (c *AnswerCache) Get(chatID, question string) (*service.RAGAnswer, bool) {
	key := cacheKey(chatID, question)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	slog.Debug("rag answer cache hit",
		"chat_id", chatID,
		"query_hash", key[strings.LastIndex(key, ":")+1:],
		"age_ms", time.Since(entry.createdAt).Milliseconds(),
	)
	return entry.result, true
}

// Set stores a RAGAnswer in the cache.
func (c *AnswerCache) Set(chatID, question string, result *service.RAGAnswer) {
	key := cacheKey(chatID, question)
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		result:    result,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()
}

// InvalidateChat removes all cached entries for a chat. Call this when a
// chat's employment category or skills change, since those shift what
// counts as a relevant answer to the same question.
func (c *AnswerCache) InvalidateChat(chatID string) {
	prefix := "rc:" + chatID + ":"
	c.mu.Lock()
	count := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			count++
		}
	}
	c.mu.Unlock()

	if count > 0 {
		slog.Debug("rag answer cache invalidated chat", "chat_id", chatID, "entries_removed", count)
	}
}

// Len returns the number of entries in the cache.
func (c *AnswerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop halts the background cleanup goroutine.
func (c *AnswerCache) Stop() {
	close(c.stopCh)
}

// cleanup removes expired entries every 5 minutes.
func (c *AnswerCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			before := len(c.entries)
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			after := len(c.entries)
			c.mu.Unlock()
			if before != after {
				slog.Debug("rag answer cache cleanup", "removed", before-after, "remaining", after)
			}
		case <-c.stopCh:
			return
		}
	}
}

// cacheKey builds a deterministic key: "rc:{chatID}:{hex of the first 8 bytes of sha256(question)}"
func cacheKey(chatID, question string) string {
	h := sha256.Sum256([]byte(question))
	return fmt.Sprintf("rc:%s:%x", chatID, h[:8])
}
