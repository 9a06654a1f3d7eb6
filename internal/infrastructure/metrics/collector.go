package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/pkg/cache"
)

// Reconcile outcomes tracked per association kind
const (
	OutcomeAdded         = "added"
	OutcomeKept          = "kept"
	OutcomeRemoved       = "removed"
	OutcomeSkippedAdd    = "skipped_add"
	OutcomeVanishedKeep  = "vanished_keep"
	OutcomeMissingRemove = "missing_remove"
)

// MetricsSource is anything reporting cache statistics
type MetricsSource interface {
	Metrics() *cache.Metrics
}

// Collector collects and aggregates metrics for the application.
type Collector struct {
	// API metrics
	apiRequests sync.Map // map[string]*uint64 - method -> count
	apiErrors   sync.Map // map[string]*uint64 - method -> error count
	apiDuration sync.Map // map[string]*durationValue - method -> total duration in seconds

	// Reconcile metrics
	reconciles      sync.Map // map[string]*uint64 - kind -> count
	reconcileErrors sync.Map // map[string]*uint64 - kind -> error count
	outcomes        sync.Map // map[outcomeKey]*uint64 - rows per kind and outcome

	cache MetricsSource
}

type outcomeKey struct {
	kind    entities.AssociationKind
	outcome string
}

// durationValue holds duration with mutex for thread-safe updates.
type durationValue struct {
	mu           sync.Mutex
	totalSeconds float64
}

// CacheMetrics holds cache performance metrics.
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	HitRate     float64
	KeysCurrent int64
	MemoryBytes int64
	Evictions   uint64
}

// APIMetrics holds API request metrics.
type APIMetrics struct {
	RequestCounts        map[string]uint64
	ErrorCounts          map[string]uint64
	TotalDurationSeconds map[string]float64
}

// ReconcileMetrics holds reconcile counts per association kind.
type ReconcileMetrics struct {
	Calls    map[entities.AssociationKind]uint64
	Errors   map[entities.AssociationKind]uint64
	Outcomes map[entities.AssociationKind]map[string]uint64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// SetCache sets the cache instance for collecting cache metrics.
func (c *Collector) SetCache(source MetricsSource) {
	c.cache = source
}

// RecordRequest records an API request.
func (c *Collector) RecordRequest(method string) {
	atomic.AddUint64(c.getOrCreateCounter(&c.apiRequests, method), 1)
}

// RecordError records an API error.
func (c *Collector) RecordError(method string) {
	atomic.AddUint64(c.getOrCreateCounter(&c.apiErrors, method), 1)
}

// RecordDuration records the duration of an API call in seconds.
func (c *Collector) RecordDuration(method string, durationSeconds float64) {
	val, _ := c.apiDuration.LoadOrStore(method, &durationValue{})
	dv := val.(*durationValue)

	dv.mu.Lock()
	dv.totalSeconds += durationSeconds
	dv.mu.Unlock()
}

// RecordReconcile records one reconcile call and its row outcomes.
func (c *Collector) RecordReconcile(kind entities.AssociationKind, result *entities.ReconcileResult, err error) {
	atomic.AddUint64(c.getOrCreateCounter(&c.reconciles, string(kind)), 1)
	if err != nil {
		atomic.AddUint64(c.getOrCreateCounter(&c.reconcileErrors, string(kind)), 1)
		return
	}
	if result == nil {
		return
	}
	for outcome, n := range Outcomes(result) {
		if n > 0 {
			val, _ := c.outcomes.LoadOrStore(outcomeKey{kind: kind, outcome: outcome}, new(uint64))
			atomic.AddUint64(val.(*uint64), uint64(n))
		}
	}
}

// Outcomes breaks a result down into row counts per outcome
func Outcomes(result *entities.ReconcileResult) map[string]int {
	return map[string]int{
		OutcomeAdded:         len(result.Added),
		OutcomeKept:          len(result.Kept),
		OutcomeRemoved:       len(result.Removed),
		OutcomeSkippedAdd:    result.SkippedAdds,
		OutcomeVanishedKeep:  result.VanishedKeeps,
		OutcomeMissingRemove: result.MissingRemoves,
	}
}

// GetCacheMetrics returns current cache metrics.
func (c *Collector) GetCacheMetrics() *CacheMetrics {
	if c.cache == nil {
		return &CacheMetrics{}
	}

	metrics := c.cache.Metrics()
	if metrics == nil {
		return &CacheMetrics{}
	}

	return &CacheMetrics{
		Hits:        metrics.Hits,
		Misses:      metrics.Misses,
		HitRate:     metrics.HitRate(),
		KeysCurrent: metrics.KeysCurrent,
		MemoryBytes: metrics.SizeBytes,
		Evictions:   metrics.KeysEvicted,
	}
}

// GetAPIMetrics returns current API metrics.
func (c *Collector) GetAPIMetrics() *APIMetrics {
	result := &APIMetrics{
		RequestCounts:        loadCounters(&c.apiRequests),
		ErrorCounts:          loadCounters(&c.apiErrors),
		TotalDurationSeconds: make(map[string]float64),
	}

	c.apiDuration.Range(func(key, value interface{}) bool {
		dv := value.(*durationValue)
		dv.mu.Lock()
		result.TotalDurationSeconds[key.(string)] = dv.totalSeconds
		dv.mu.Unlock()
		return true
	})

	return result
}

// GetReconcileMetrics returns current reconcile metrics.
func (c *Collector) GetReconcileMetrics() *ReconcileMetrics {
	result := &ReconcileMetrics{
		Calls:    make(map[entities.AssociationKind]uint64),
		Errors:   make(map[entities.AssociationKind]uint64),
		Outcomes: make(map[entities.AssociationKind]map[string]uint64),
	}

	for kind, n := range loadCounters(&c.reconciles) {
		result.Calls[entities.AssociationKind(kind)] = n
	}
	for kind, n := range loadCounters(&c.reconcileErrors) {
		result.Errors[entities.AssociationKind(kind)] = n
	}
	c.outcomes.Range(func(key, value interface{}) bool {
		k := key.(outcomeKey)
		if result.Outcomes[k.kind] == nil {
			result.Outcomes[k.kind] = make(map[string]uint64)
		}
		result.Outcomes[k.kind][k.outcome] = atomic.LoadUint64(value.(*uint64))
		return true
	})

	return result
}

func loadCounters(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value interface{}) bool {
		counts[key.(string)] = atomic.LoadUint64(value.(*uint64))
		return true
	})
	return counts
}

// getOrCreateCounter gets or creates a counter for the given key.
func (c *Collector) getOrCreateCounter(m *sync.Map, key string) *uint64 {
	val, _ := m.LoadOrStore(key, new(uint64))
	return val.(*uint64)
}
