package workflow

import "sync"

// OperationStats aggregates per-operation-type outcomes. This block is an in-process
// aggregate only; the oplog table is the durable audit trail.
type OperationStats struct {
	Total        int64
	Success      int64
	Failure      int64
	AvgLatencyMs float64
}

type statsBlock struct {
	mu          sync.Mutex
	byType      map[string]*OperationStats
	errorCounts map[ErrorCode]int64
}

func newStatsBlock() *statsBlock {
	return &statsBlock{
		byType:      make(map[string]*OperationStats),
		errorCounts: make(map[ErrorCode]int64),
	}
}

func (b *statsBlock) record(opType string, success bool, code ErrorCode, latencyMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats, ok := b.byType[opType]
	if !ok {
		stats = &OperationStats{}
		b.byType[opType] = stats
	}
	stats.Total++
	if success {
		stats.Success++
	} else {
		stats.Failure++
		if code != "" {
			b.errorCounts[code]++
		}
	}
	stats.AvgLatencyMs += (float64(latencyMs) - stats.AvgLatencyMs) / float64(stats.Total)
}

func (b *statsBlock) snapshot() (map[string]OperationStats, map[ErrorCode]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byType := make(map[string]OperationStats, len(b.byType))
	for opType, stats := range b.byType {
		byType[opType] = *stats
	}
	errorCounts := make(map[ErrorCode]int64, len(b.errorCounts))
	for code, count := range b.errorCounts {
		errorCounts[code] = count
	}
	return byType, errorCounts
}
