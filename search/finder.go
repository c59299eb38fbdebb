package search

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"github.com/sirupsen/logrus"
)

var strategyBase = map[Strategy]float64{
	StrategyExact:     0.95,
	StrategyFuzzy:     0.7,
	StrategyComposite: 0.85,
}

// singleFieldPenalty discounts a smart-search fallback that matched on one criterion
// alone. Stronger identifiers keep more of their confidence.
var singleFieldPenalty = map[string]float64{
	"email":             0.8,
	"externalReference": 0.8,
	"orderId":           0.7,
	"phone":             0.6,
	"userId":            0.6,
}

type StrategyStats struct {
	Searches     int64
	CacheHits    int64
	CacheMisses  int64
	AvgLatencyMs float64
}

// Finder runs multi-strategy subscription searches and ranks results by confidence.
// Store failures degrade to an empty match set; search is informational and never
// blocks the caller.
type Finder struct {
	store        store.SubscriptionStore
	logger       *logrus.Logger
	maxResults   int
	fuzzyEnabled bool
	cache        *resultCache
	strategies   map[Strategy]func(ctx context.Context, c Criteria) []Match

	mu    sync.Mutex
	stats map[Strategy]*StrategyStats

	stopSweep chan struct{}
	sweepOnce sync.Once
}

type Option func(*Finder)

func WithMaxResults(n int) Option {
	return func(f *Finder) { f.maxResults = n }
}

func WithFuzzyEnabled(enabled bool) Option {
	return func(f *Finder) { f.fuzzyEnabled = enabled }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Finder) { f.cache = newResultCache(ttl) }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(f *Finder) { f.logger = logger }
}

func NewFinder(subStore store.SubscriptionStore, opts ...Option) *Finder {
	cacheTTL := time.Duration(config.IntFromEnv("SEARCH_CACHE_TTL_SECONDS", 60)) * time.Second
	f := &Finder{
		store:        subStore,
		logger:       config.GetLogger(),
		maxResults:   config.IntFromEnv("SEARCH_LIMIT", config.SearchLimit),
		fuzzyEnabled: true,
		cache:        newResultCache(cacheTTL),
		stats:        make(map[Strategy]*StrategyStats),
		stopSweep:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.strategies = map[Strategy]func(ctx context.Context, c Criteria) []Match{
		StrategyExact:     f.exactSearch,
		StrategyFuzzy:     f.fuzzySearch,
		StrategyComposite: f.compositeSearch,
		StrategySmart:     f.smartSearch,
	}
	go f.sweepLoop(f.cache.ttl)
	return f
}

// Close stops the background cache sweeper.
func (f *Finder) Close() {
	f.sweepOnce.Do(func() { close(f.stopSweep) })
}

// Find searches for existing subscriptions matching the criteria, ordered by
// descending confidence and capped at the configured maximum. An empty strategy
// selects Smart.
func (f *Finder) Find(ctx context.Context, criteria Criteria, strategy Strategy) []Match {
	c := criteria.normalized()
	if c.Empty() {
		return nil
	}
	if strategy == "" {
		strategy = StrategySmart
	}
	run, ok := f.strategies[strategy]
	if !ok {
		f.logger.WithFields(logrus.Fields{
			"module":   "search",
			"strategy": strategy,
		}).Warn("unknown search strategy, falling back to smart")
		strategy = StrategySmart
		run = f.smartSearch
	}

	key := c.cacheKey(strategy)
	if cached, ok := f.cache.get(key); ok {
		f.recordHit(strategy)
		return cached
	}

	start := time.Now()
	matches := f.rankAndCap(run(ctx, c))
	f.recordSearch(strategy, time.Since(start))

	f.cache.put(key, matches)
	return matches
}

func (f *Finder) exactSearch(ctx context.Context, c Criteria) []Match {
	query := store.SubscriptionQuery{
		Email:             c.Email,
		ExternalReference: c.ExternalReference,
		OrderID:           c.OrderID,
		Phone:             c.Phone,
		UserID:            c.UserID,
	}
	rows := f.runQuery(ctx, query, c)
	return f.score(rows, StrategyExact, c.filledFields(), c, 1.0)
}

func (f *Finder) fuzzySearch(ctx context.Context, c Criteria) []Match {
	var matches []Match
	if c.Email != "" {
		for _, variant := range emailVariants(c.Email) {
			query := store.SubscriptionQuery{
				Patterns: []store.FieldPattern{{Field: store.FieldEmail, Pattern: variant}},
			}
			rows := f.runQuery(ctx, query, c)
			matches = append(matches, f.score(rows, StrategyFuzzy, []string{"email"}, c, 1.0)...)
		}
	}
	if c.ExternalReference != "" {
		patterns := make([]store.FieldPattern, 0, 4)
		for _, pattern := range referencePatterns(c.ExternalReference) {
			patterns = append(patterns, store.FieldPattern{Field: store.FieldExternalReference, Pattern: pattern})
		}
		rows := f.runQuery(ctx, store.SubscriptionQuery{Patterns: patterns}, c)
		matches = append(matches, f.score(rows, StrategyFuzzy, []string{"externalReference"}, c, 1.0)...)
	}
	if c.Phone != "" {
		patterns := make([]store.FieldPattern, 0, 2)
		for _, pattern := range phonePatterns(c.Phone) {
			patterns = append(patterns, store.FieldPattern{Field: store.FieldPhone, Pattern: pattern})
		}
		rows := f.runQuery(ctx, store.SubscriptionQuery{Patterns: patterns}, c)
		matches = append(matches, f.score(rows, StrategyFuzzy, []string{"phone"}, c, 1.0)...)
	}
	return matches
}

func (f *Finder) compositeSearch(ctx context.Context, c Criteria) []Match {
	type pair struct {
		query  store.SubscriptionQuery
		fields []string
	}
	var pairs []pair
	if c.Email != "" && c.ExternalReference != "" {
		pairs = append(pairs, pair{
			query:  store.SubscriptionQuery{Email: c.Email, ExternalReference: c.ExternalReference},
			fields: []string{"email", "externalReference"},
		})
	}
	if c.Email != "" && c.OrderID != "" {
		pairs = append(pairs, pair{
			query:  store.SubscriptionQuery{Email: c.Email, OrderID: c.OrderID},
			fields: []string{"email", "orderId"},
		})
	}
	if c.ExternalReference != "" && c.OrderID != "" {
		pairs = append(pairs, pair{
			query:  store.SubscriptionQuery{ExternalReference: c.ExternalReference, OrderID: c.OrderID},
			fields: []string{"externalReference", "orderId"},
		})
	}

	var matches []Match
	for _, p := range pairs {
		rows := f.runQuery(ctx, p.query, c)
		matches = append(matches, f.score(rows, StrategyComposite, p.fields, c, 1.0)...)
	}
	return matches
}

func (f *Finder) smartSearch(ctx context.Context, c Criteria) []Match {
	matches := f.exactSearch(ctx, c)
	if len(matches) == 0 && f.fuzzyEnabled {
		matches = f.fuzzySearch(ctx, c)
	}
	if len(matches) == 0 {
		matches = f.compositeSearch(ctx, c)
	}
	if len(matches) == 0 && len(c.filledFields()) > 1 {
		matches = f.singleFieldSearch(ctx, c)
	}
	return matches
}

// singleFieldSearch is the last smart fallback: each criterion alone, discounted in
// proportion to how partial the match is.
func (f *Finder) singleFieldSearch(ctx context.Context, c Criteria) []Match {
	type single struct {
		query store.SubscriptionQuery
		field string
	}
	var singles []single
	if c.Email != "" {
		singles = append(singles, single{store.SubscriptionQuery{Email: c.Email}, "email"})
	}
	if c.ExternalReference != "" {
		singles = append(singles, single{store.SubscriptionQuery{ExternalReference: c.ExternalReference}, "externalReference"})
	}
	if c.OrderID != "" {
		singles = append(singles, single{store.SubscriptionQuery{OrderID: c.OrderID}, "orderId"})
	}
	if c.Phone != "" {
		singles = append(singles, single{store.SubscriptionQuery{Phone: c.Phone}, "phone"})
	}
	if c.UserID != 0 {
		singles = append(singles, single{store.SubscriptionQuery{UserID: c.UserID}, "userId"})
	}

	var matches []Match
	for _, s := range singles {
		rows := f.runQuery(ctx, s.query, c)
		matches = append(matches, f.score(rows, StrategyExact, []string{s.field}, c, singleFieldPenalty[s.field])...)
	}
	return matches
}

// runQuery applies the criteria's window and status filters and executes the query.
// Store errors are logged and degrade to no rows.
func (f *Finder) runQuery(ctx context.Context, query store.SubscriptionQuery, c Criteria) []*models.Subscription {
	query.From = c.From
	query.To = c.To
	query.Statuses = c.Statuses
	query.Limit = f.maxResults
	rows, err := f.store.FindMatches(ctx, query)
	if err != nil {
		config.LogError(f.logger, "search", "runQuery", "subscription query failed", query, err)
		return nil
	}
	return rows
}

func (f *Finder) score(rows []*models.Subscription, strategy Strategy, matchedFields []string, c Criteria, factor float64) []Match {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now()
	base := strategyBase[strategy]
	completeness := float64(len(c.filledFields())) / criteriaFieldCount * 0.1
	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		confidence := base + completeness
		age := now.Sub(row.CreatedAt)
		if age < 24*time.Hour {
			confidence += 0.1
		} else if age < 168*time.Hour {
			confidence += 0.05
		}
		confidence *= factor
		if confidence > 1.0 {
			confidence = 1.0
		}
		matches = append(matches, Match{
			Record:        row,
			Strategy:      strategy,
			Confidence:    confidence,
			MatchedFields: matchedFields,
			SearchedAt:    now,
		})
	}
	return matches
}

// rankAndCap de-duplicates by record id (best confidence wins), orders by descending
// confidence and applies the result cap.
func (f *Finder) rankAndCap(matches []Match) []Match {
	best := make(map[int]Match, len(matches))
	for _, match := range matches {
		if existing, ok := best[match.Record.ID]; !ok || match.Confidence > existing.Confidence {
			best[match.Record.ID] = match
		}
	}
	ranked := make([]Match, 0, len(best))
	for _, match := range best {
		ranked = append(ranked, match)
	}
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].Confidence > ranked[i].Confidence {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}
	if len(ranked) > f.maxResults {
		ranked = ranked[:f.maxResults]
	}
	return ranked
}

// Stats returns a snapshot of per-strategy counters.
func (f *Finder) Stats() map[Strategy]StrategyStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make(map[Strategy]StrategyStats, len(f.stats))
	for strategy, stats := range f.stats {
		snapshot[strategy] = *stats
	}
	return snapshot
}

func (f *Finder) strategyStats(strategy Strategy) *StrategyStats {
	if stats, ok := f.stats[strategy]; ok {
		return stats
	}
	stats := &StrategyStats{}
	f.stats[strategy] = stats
	return stats
}

func (f *Finder) recordHit(strategy Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategyStats(strategy).CacheHits++
}

func (f *Finder) recordSearch(strategy Strategy, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := f.strategyStats(strategy)
	stats.CacheMisses++
	stats.Searches++
	// incremental running average, no rescan
	stats.AvgLatencyMs += (float64(latency.Milliseconds()) - stats.AvgLatencyMs) / float64(stats.Searches)
}

func (f *Finder) sweepLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopSweep:
			return
		case <-ticker.C:
			f.cache.sweep()
		}
	}
}
