package store

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

// ErrDuplicateKey is returned by LockStore.Insert when the store's uniqueness
// constraint rejects the row. Callers treat it as "not acquired", not as a failure.
var ErrDuplicateKey = errors.New("duplicate key")

func IsDuplicateKeyErr(err error) bool {
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// IsAuthErr reports whether err is a credential/permission failure.
// These are not retryable: backing off will not fix a bad grant.
func IsAuthErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1044 || mysqlErr.Number == 1045
	}
	return false
}

// LockStore persists operation locks. Insert must be atomic with respect to the
// uniqueness of lock_key across all processes sharing the store.
type LockStore interface {
	Insert(ctx context.Context, lock *models.OperationLock) error
	GetByKey(ctx context.Context, key string) (*models.OperationLock, error)
	DeleteExpiredByKey(ctx context.Context, key string, now time.Time) (int64, error)
	DeleteByLockID(ctx context.Context, lockID string) (int64, error)
	ExtendIfLive(ctx context.Context, lockID string, newExpiresAt time.Time, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// LogSearchCriteria filters persisted log entries. Zero values mean "no filter".
type LogSearchCriteria struct {
	Level           *models.LogLevel
	OperationType   string
	OperationID     string
	UserID          int
	RecordID        int
	From            *time.Time
	To              *time.Time
	MessageContains string
	Limit           int
}

type LogStore interface {
	InsertBatch(ctx context.Context, entries []*models.OperationLog) error
	Search(ctx context.Context, criteria LogSearchCriteria) ([]*models.OperationLog, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SubscriptionField string

const (
	FieldEmail             SubscriptionField = "email"
	FieldExternalReference SubscriptionField = "external_reference"
	FieldOrderID           SubscriptionField = "order_id"
	FieldPaymentID         SubscriptionField = "payment_id"
	FieldPhone             SubscriptionField = "phone"
	FieldUserID            SubscriptionField = "user_id"
)

// FieldPattern is a SQL LIKE pattern applied to one column.
type FieldPattern struct {
	Field   SubscriptionField
	Pattern string
}

// SubscriptionQuery combines equality filters, OR-ed LIKE patterns, a time window and
// status filters. ExcludeID keeps a candidate record from matching itself.
type SubscriptionQuery struct {
	Email             string
	ExternalReference string
	OrderID           string
	PaymentID         string
	Phone             string
	UserID            int
	Patterns          []FieldPattern
	From              *time.Time
	To                *time.Time
	Statuses          []models.SubscriptionStatus
	ExcludeID         int
	Limit             int
}

// Empty reports whether the query has no usable filter at all. Running such a query
// would scan the whole table, so callers refuse it.
func (q SubscriptionQuery) Empty() bool {
	return q.Email == "" && q.ExternalReference == "" && q.OrderID == "" &&
		q.PaymentID == "" && q.Phone == "" && q.UserID == 0 && len(q.Patterns) == 0
}

type SubscriptionStore interface {
	Create(ctx context.Context, sub *models.Subscription) error
	UpdateStatus(ctx context.Context, id int, status models.SubscriptionStatus) (int64, error)
	FindMatches(ctx context.Context, q SubscriptionQuery) ([]*models.Subscription, error)
}
