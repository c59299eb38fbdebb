package models

import "time"

// OperationLog is a persisted structured log entry. Entries are buffered in memory by
// oplog.Logger and flushed in batches; a retention sweep deletes old rows.
type OperationLog struct {
	ID            int       `gorm:"primary_key" json:"id"`
	LogID         string    `gorm:"size:64;not null;uniqueIndex" json:"log_id"`
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`
	Level         LogLevel  `gorm:"size:10;not null;index" json:"level"`
	Message       string    `gorm:"size:1024;not null" json:"message"`
	Context       *string   `gorm:"type:text" json:"context"`
	OperationType string    `gorm:"size:100;index" json:"operation_type"`
	OperationID   string    `gorm:"size:255;index" json:"operation_id"`
	UserID        int       `gorm:"index" json:"user_id"`
	RecordID      int       `gorm:"index" json:"record_id"`
	DurationMs    int64     `json:"duration_ms"`
	ErrorDetails  *string   `gorm:"type:text" json:"error_details"`
	Metadata      *string   `gorm:"type:text" json:"metadata"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
