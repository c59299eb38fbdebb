package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultBufferSize    = 50
	defaultFlushInterval = 10 * time.Second
	defaultRetentionDays = 30
	flushTimeout         = 10 * time.Second
)

// defaultAllowedFields is the context allow-list. Fields outside it (and outside the
// always-kept set handled in buildEntry) are stripped before buffering so arbitrary
// caller payloads never leak into persisted logs.
var defaultAllowedFields = []string{
	"step", "lockKey", "lockId", "strategy", "rule", "attempt",
	"confidence", "matches", "status", "email", "externalReference",
}

// Stats is an incrementally-maintained snapshot; no field requires re-scanning the
// buffer or the store.
type Stats struct {
	CountByLevel      map[models.LogLevel]int64
	TotalEntries      int64
	AvgEntryBytes     float64
	BufferUtilization float64 // percent of bufferSize currently occupied
	ErrorRate         float64 // error entries / total entries
	Flushes           int64
	FlushFailures     int64
}

// Logger buffers structured entries in memory and flushes them to the store in
// batches, at a size threshold or on a timer, whichever comes first. A failed flush
// re-queues the batch at the front of the buffer; entries are never dropped.
type Logger struct {
	store         store.LogStore
	base          *logrus.Logger
	minLevel      models.LogLevel
	bufferSize    int
	flushInterval time.Duration
	retention     time.Duration
	allowed       map[string]bool

	mu            sync.Mutex
	buf           []*models.OperationLog
	counts        map[models.LogLevel]int64
	totalEntries  int64
	totalBytes    int64
	flushes       int64
	flushFailures int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Logger)

func WithBufferSize(n int) Option {
	return func(l *Logger) { l.bufferSize = n }
}

func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) { l.flushInterval = d }
}

func WithRetentionDays(days int) Option {
	return func(l *Logger) { l.retention = time.Duration(days) * 24 * time.Hour }
}

func WithMinLevel(level models.LogLevel) Option {
	return func(l *Logger) { l.minLevel = level }
}

func WithAllowedFields(fields []string) Option {
	return func(l *Logger) {
		l.allowed = make(map[string]bool, len(fields))
		for _, field := range fields {
			l.allowed[field] = true
		}
	}
}

func WithBase(base *logrus.Logger) Option {
	return func(l *Logger) { l.base = base }
}

func New(logStore store.LogStore, opts ...Option) *Logger {
	l := &Logger{
		store:         logStore,
		base:          config.GetLogger(),
		minLevel:      models.LogLevelTrace,
		bufferSize:    config.IntFromEnv("LOG_BUFFER_SIZE", defaultBufferSize),
		flushInterval: time.Duration(config.IntFromEnv("LOG_FLUSH_INTERVAL_SECONDS", int(defaultFlushInterval/time.Second))) * time.Second,
		retention:     time.Duration(config.IntFromEnv("LOG_RETENTION_DAYS", defaultRetentionDays)) * 24 * time.Hour,
		counts:        make(map[models.LogLevel]int64),
		stop:          make(chan struct{}),
	}
	WithAllowedFields(defaultAllowedFields)(l)
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(2)
	go l.flushLoop()
	go l.retentionLoop()
	return l
}

// Close flushes the remaining buffer and stops the background loops.
func (l *Logger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	_ = l.ForceFlush(context.Background())
}

func (l *Logger) Trace(msg string, fields map[string]interface{}) {
	l.write(models.LogLevelTrace, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.write(models.LogLevelInfo, msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.write(models.LogLevelWarn, msg, fields)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.write(models.LogLevelError, msg, fields)
}

func (l *Logger) write(level models.LogLevel, msg string, fields map[string]interface{}) {
	if level.Rank() < l.minLevel.Rank() {
		return
	}
	entry := l.buildEntry(level, msg, fields)

	// warn/error mirror to the process logger so operators see problems without
	// querying the log table
	if level == models.LogLevelWarn {
		l.base.WithFields(logrus.Fields{"module": "oplog", "operationId": entry.OperationID}).Warn(msg)
	} else if level == models.LogLevelError {
		l.base.WithFields(logrus.Fields{"module": "oplog", "operationId": entry.OperationID}).Error(msg)
	}

	var batch []*models.OperationLog
	l.mu.Lock()
	l.buf = append(l.buf, entry)
	l.counts[level]++
	l.totalEntries++
	l.totalBytes += entrySize(entry)
	if len(l.buf) >= l.bufferSize {
		batch = l.buf
		l.buf = nil
	}
	l.mu.Unlock()

	if batch != nil {
		l.flush(batch)
	}
}

func (l *Logger) buildEntry(level models.LogLevel, msg string, fields map[string]interface{}) *models.OperationLog {
	entry := &models.OperationLog{
		LogID:     uuid.NewString(),
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
	}
	contextMap := make(map[string]interface{})
	for key, value := range fields {
		switch key {
		case "operationType":
			entry.OperationType = fmt.Sprint(value)
		case "operationId":
			entry.OperationID = fmt.Sprint(value)
		case "userId":
			entry.UserID = toInt(value)
		case "recordId":
			entry.RecordID = toInt(value)
		case "durationMs":
			entry.DurationMs = int64(toInt(value))
		case "errorDetails":
			s := fmt.Sprint(value)
			entry.ErrorDetails = &s
		case "metadata":
			if raw, err := json.Marshal(value); err == nil {
				s := string(raw)
				entry.Metadata = &s
			}
		default:
			if l.allowed[key] {
				contextMap[key] = value
			}
		}
	}
	if len(contextMap) > 0 {
		if raw, err := json.Marshal(contextMap); err == nil {
			s := string(raw)
			entry.Context = &s
		}
	}
	return entry
}

// ForceFlush synchronously flushes everything currently buffered.
func (l *Logger) ForceFlush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return l.flushCtx(ctx, batch)
}

func (l *Logger) flush(batch []*models.OperationLog) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	_ = l.flushCtx(ctx, batch)
}

func (l *Logger) flushCtx(ctx context.Context, batch []*models.OperationLog) error {
	err := l.store.InsertBatch(ctx, batch)
	l.mu.Lock()
	if err != nil {
		// re-queue at the front so ordering survives the retry
		l.buf = append(batch, l.buf...)
		l.flushFailures++
	} else {
		l.flushes++
	}
	l.mu.Unlock()
	if err != nil {
		config.LogError(l.base, "oplog", "flush", "log flush failed, batch re-queued", len(batch), err)
	}
	return err
}

// Search queries persisted entries; buffered entries not yet flushed are not visible.
func (l *Logger) Search(ctx context.Context, criteria store.LogSearchCriteria) ([]*models.OperationLog, error) {
	return l.store.Search(ctx, criteria)
}

// RunRetention deletes persisted entries older than the retention window.
func (l *Logger) RunRetention(ctx context.Context) (int64, error) {
	return l.store.DeleteOlderThan(ctx, time.Now().Add(-l.retention))
}

func (l *Logger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[models.LogLevel]int64, len(l.counts))
	for level, count := range l.counts {
		counts[level] = count
	}
	stats := Stats{
		CountByLevel:  counts,
		TotalEntries:  l.totalEntries,
		Flushes:       l.flushes,
		FlushFailures: l.flushFailures,
	}
	if l.totalEntries > 0 {
		stats.AvgEntryBytes = float64(l.totalBytes) / float64(l.totalEntries)
		stats.ErrorRate = float64(l.counts[models.LogLevelError]) / float64(l.totalEntries)
	}
	if l.bufferSize > 0 {
		stats.BufferUtilization = float64(len(l.buf)) / float64(l.bufferSize) * 100
	}
	return stats
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			_ = l.ForceFlush(context.Background())
		}
	}
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := l.RunRetention(ctx); err != nil {
			config.LogError(l.base, "oplog", "retentionLoop", "retention sweep failed", nil, err)
		}
	}
	run()
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			run()
		}
	}
}

func entrySize(entry *models.OperationLog) int64 {
	size := int64(len(entry.Message)) + 64
	if entry.Context != nil {
		size += int64(len(*entry.Context))
	}
	if entry.Metadata != nil {
		size += int64(len(*entry.Metadata))
	}
	if entry.ErrorDetails != nil {
		size += int64(len(*entry.ErrorDetails))
	}
	return size
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
