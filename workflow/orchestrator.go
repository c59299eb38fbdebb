package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
	"bitbucket.org/mmdatafocus/subscriptions_backend/dedupe"
	"bitbucket.org/mmdatafocus/subscriptions_backend/locking"
	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/oplog"
	"bitbucket.org/mmdatafocus/subscriptions_backend/search"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Operation is the caller-supplied side-effecting function the orchestrator protects.
type Operation func(ctx context.Context) error

// ExecuteOptions tunes one Execute call. Zero values fall back to defaults.
type ExecuteOptions struct {
	OperationType       string
	TTLSeconds          int `validate:"gte=0"`
	MaxRetryAttempts    int `validate:"gte=0,lte=10"`
	RetryDelay          time.Duration
	EnablePreValidation bool
	EnableSmartSearch   bool
	CustomRules         []dedupe.Rule
	SearchStrategy      search.Strategy
	LockMetadata        map[string]string
}

func DefaultOptions() ExecuteOptions {
	return ExecuteOptions{
		OperationType:       "subscription_create",
		TTLSeconds:          30,
		MaxRetryAttempts:    3,
		RetryDelay:          200 * time.Millisecond,
		EnablePreValidation: true,
		EnableSmartSearch:   true,
		SearchStrategy:      search.StrategySmart,
	}
}

// OperationResult is what every Execute call returns to its caller. Error, when set,
// begins with an ErrorCode prefix ("DUPLICATE_DETECTED: ...") for branching.
type OperationResult struct {
	Success         bool
	Error           string
	OperationID     string
	ExecutionTimeMs int64
	DuplicateFound  bool
	LockAcquired    bool
}

// Service composes the lock manager, duplicate validator, record finder and
// structured logger into the execute-idempotently contract.
type Service struct {
	locks     *locking.Manager
	validator *dedupe.Validator
	finder    *search.Finder
	logger    *oplog.Logger
	validate  *validator.Validate
	stats     *statsBlock
}

func NewService(locks *locking.Manager, dupValidator *dedupe.Validator, finder *search.Finder, logger *oplog.Logger) (*Service, error) {
	if locks == nil || dupValidator == nil || finder == nil || logger == nil {
		return nil, NewOpError(CodeStoreConnectionError, "orchestrator dependencies not initialized", nil, nil)
	}
	return &Service{
		locks:     locks,
		validator: dupValidator,
		finder:    finder,
		logger:    logger,
		validate:  validator.New(),
		stats:     newStatsBlock(),
	}, nil
}

var (
	defaultService *Service
	defaultErr     error
	initOnce       sync.Once
)

// GetService returns the process-wide service, built exactly once from the global DB
// connection. NewService with injected dependencies is the testable alternative.
func GetService() (*Service, error) {
	initOnce.Do(func() {
		db := config.GetDB()
		if db == nil {
			defaultErr = NewOpError(CodeStoreConnectionError, "database not connected; call config.ConnectDatabaseWithRetry first", nil, nil)
			return
		}
		subStore := store.NewGormSubscriptionStore(db)
		defaultService, defaultErr = NewService(
			locking.NewManager(store.NewGormLockStore(db)),
			dedupe.NewValidator(subStore),
			search.NewFinder(subStore),
			oplog.New(store.NewGormLogStore(db)),
		)
	})
	return defaultService, defaultErr
}

// Execute runs op at most once concurrently per operationID and suppresses
// duplicates of rec. The lock is released on every exit path, including panics
// inside op.
func (s *Service) Execute(ctx context.Context, operationID string, rec *models.Subscription, op Operation, opts ExecuteOptions) *OperationResult {
	start := time.Now()
	if operationID == "" {
		operationID = uuid.NewString()
	}
	opType := opts.OperationType
	if opType == "" {
		opType = "subscription_create"
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}

	result := &OperationResult{OperationID: operationID}
	finish := func(code ErrorCode, err error) *OperationResult {
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		if err != nil {
			result.Error = err.Error()
		}
		s.stats.record(opType, result.Success, code, result.ExecutionTimeMs)
		fields := map[string]interface{}{
			"operationType": opType,
			"operationId":   operationID,
			"durationMs":    result.ExecutionTimeMs,
			"step":          "DONE",
		}
		if result.Success {
			s.logger.Info("operation completed", fields)
		} else {
			fields["errorDetails"] = result.Error
			s.logger.Warn("operation did not complete", fields)
		}
		return result
	}

	if err := s.validate.Struct(opts); err != nil {
		return finish(CodeValidationError,
			NewOpError(CodeValidationError, "invalid execute options: "+err.Error(), err, nil))
	}

	s.logger.Info("operation started", map[string]interface{}{
		"operationType": opType,
		"operationId":   operationID,
		"step":          "START",
	})

	// LOCK_ACQUIRE
	ttl := time.Duration(opts.TTLSeconds) * time.Second
	acq, err := s.locks.Acquire(ctx, operationID, ttl, opts.LockMetadata)
	if err != nil || !acq.Acquired {
		opErr := NewOpError(CodeLockAcquisitionFailed,
			fmt.Sprintf("operation %q is already in progress", operationID), err,
			map[string]interface{}{"operationId": operationID})
		return finish(CodeLockAcquisitionFailed, opErr)
	}
	result.LockAcquired = true
	s.logger.Trace("lock acquired", map[string]interface{}{
		"operationType": opType,
		"operationId":   operationID,
		"step":          "LOCK_ACQUIRE",
		"lockId":        acq.LockID,
	})

	// Release is unconditional once acquired, on every exit path.
	defer func() {
		released, relErr := s.locks.Release(ctx, acq.LockID)
		fields := map[string]interface{}{
			"operationType": opType,
			"operationId":   operationID,
			"step":          "LOCK_RELEASE",
			"lockId":        acq.LockID,
		}
		if relErr != nil {
			fields["errorDetails"] = relErr.Error()
			s.logger.Error("lock release failed", fields)
		} else if !released {
			s.logger.Warn("lock already gone at release", fields)
		} else {
			s.logger.Trace("lock released", fields)
		}
	}()

	// DUPLICATE_CHECK
	if opts.EnablePreValidation {
		verdict := s.validator.Validate(ctx, rec, opts.CustomRules...)
		for _, check := range verdict.Checks {
			if check.Status == dedupe.CheckSkipped {
				s.logger.Warn("duplicate rule skipped", map[string]interface{}{
					"operationType": opType,
					"operationId":   operationID,
					"step":          "DUPLICATE_CHECK",
					"rule":          check.Rule,
					"errorDetails":  check.SkipReason,
				})
			}
		}
		if verdict.DuplicateFound {
			result.DuplicateFound = true
			details := verdict.DuplicateDetails
			opErr := NewOpError(CodeDuplicateDetected,
				fmt.Sprintf("duplicate found by rule %q with confidence %.2f", details.Rule, details.Confidence),
				nil,
				map[string]interface{}{"rule": details.Rule, "confidence": details.Confidence})
			s.logger.Info("duplicate detected, operation suppressed", map[string]interface{}{
				"operationType": opType,
				"operationId":   operationID,
				"step":          "DUPLICATE_CHECK",
				"rule":          details.Rule,
				"confidence":    details.Confidence,
			})
			return finish(CodeDuplicateDetected, opErr)
		}
		s.logger.Trace("duplicate check passed", map[string]interface{}{
			"operationType": opType,
			"operationId":   operationID,
			"step":          "DUPLICATE_CHECK",
		})
	}

	// SEARCH (informational only)
	if opts.EnableSmartSearch && rec != nil {
		matches := s.finder.Find(ctx, criteriaFromRecord(rec), opts.SearchStrategy)
		fields := map[string]interface{}{
			"operationType": opType,
			"operationId":   operationID,
			"step":          "SEARCH",
			"matches":       len(matches),
		}
		if len(matches) > 0 {
			fields["confidence"] = matches[0].Confidence
		}
		s.logger.Trace("informational search completed", fields)
	}

	// OPERATION with retry
	var opErr error
	for attempt := 0; attempt < opts.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, opts.RetryDelay*(1<<(attempt-1))); err != nil {
				opErr = err
				break
			}
		}
		opErr = runOperation(ctx, op)
		if opErr == nil {
			break
		}
		s.logger.Warn("operation attempt failed", map[string]interface{}{
			"operationType": opType,
			"operationId":   operationID,
			"step":          "OPERATION",
			"attempt":       attempt + 1,
			"errorDetails":  opErr.Error(),
		})
	}
	if opErr != nil {
		return finish(CodeOperationFailed,
			NewOpError(CodeOperationFailed, opErr.Error(), opErr,
				map[string]interface{}{"operationId": operationID, "attempts": opts.MaxRetryAttempts}))
	}

	result.Success = true
	return finish("", nil)
}

// GetStats returns a snapshot of per-type outcome counters and error counts by code.
func (s *Service) GetStats() (map[string]OperationStats, map[ErrorCode]int64) {
	return s.stats.snapshot()
}

func criteriaFromRecord(rec *models.Subscription) search.Criteria {
	return search.Criteria{
		Email:             rec.Email,
		ExternalReference: rec.ExternalReference,
		OrderID:           rec.OrderID,
		Phone:             rec.Phone,
		UserID:            rec.UserID,
	}
}

// runOperation invokes op, converting a panic into an error so the deferred lock
// release and the retry loop both see it.
func runOperation(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	if op == nil {
		return errors.New("nil operation")
	}
	return op(ctx)
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
