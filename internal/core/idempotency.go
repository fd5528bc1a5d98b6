package core

import (
	"container/list"
	"time"
)

// IdempotencyChecker implements two-tier deduplication of upstream event ids.
// Events without an idempotency key are never considered duplicates.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface, may be nil)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics

	// onTier2 observes the latency of every Postgres lookup
	onTier2 func(time.Duration)
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// DuplicateTier names where a duplicate was caught
type DuplicateTier string

const (
	TierNone     DuplicateTier = ""
	TierLRU      DuplicateTier = "lru"
	TierPostgres DuplicateTier = "postgres"
)

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// SetDBChecker attaches or detaches the Postgres tier. Replay runs without it,
// since every replayed event is already in the log.
func (ic *IdempotencyChecker) SetDBChecker(dbChecker DBIdempotencyChecker) {
	ic.dbChecker = dbChecker
}

// Check reports whether the event was already processed and which tier caught it.
func (ic *IdempotencyChecker) Check(eventType string, idempotencyKey string) DuplicateTier {
	if idempotencyKey == "" {
		return TierNone
	}
	key := compositeKey(eventType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(key) {
		ic.metrics.RecordDuplicate(eventType, TierLRU)
		return TierLRU
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker == nil {
		return TierNone
	}

	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	ic.metrics.lastTier2 = time.Since(start)
	if ic.onTier2 != nil {
		ic.onTier2(ic.metrics.lastTier2)
	}
	if err != nil {
		// A DB outage must not block ingestion: treat as new
		ic.metrics.RecordTier2Error()
		return TierNone
	}
	if isDup {
		ic.metrics.RecordDuplicate(eventType, TierPostgres)
		ic.lru.Add(key)
		return TierPostgres
	}
	return TierNone
}

// ObserveTier2 registers a callback for Postgres lookup latency.
func (ic *IdempotencyChecker) ObserveTier2(fn func(time.Duration)) {
	ic.onTier2 = fn
}

// IsDuplicate checks if event has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	return ic.Check(eventType, idempotencyKey) != TierNone
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	if idempotencyKey == "" {
		return
	}
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
}

// GetMetrics returns metrics for monitoring
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// LRU exposes the first tier (warm-up, snapshots, gauges)
func (ic *IdempotencyChecker) LRU() *IdempotencyLRU {
	return ic.lru
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe: only the deterministic core goroutine touches it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys (oldest first) into the LRU so that
// recently processed events skip the Postgres tier after a restart.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns all keys from least to most recently used, the order
// WarmFromKeys expects.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe: only the deterministic core goroutine touches it.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // event_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
	lastTier2          time.Duration
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(eventType string, tier DuplicateTier) {
	if tier == TierLRU {
		m.duplicatesLRU[eventType]++
	} else {
		m.duplicatesPostgres[eventType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(eventType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[eventType], m.duplicatesPostgres[eventType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}

// LastTier2Duration is the latency of the most recent Postgres lookup
func (m *IdempotencyMetrics) LastTier2Duration() time.Duration {
	return m.lastTier2
}
