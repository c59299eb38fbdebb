package models

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "Pending"
	SubscriptionStatusActive    SubscriptionStatus = "Active"
	SubscriptionStatusCancelled SubscriptionStatus = "Cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "Expired"
)

type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// rank orders levels for minimum-level filtering
func (l LogLevel) Rank() int {
	switch l {
	case LogLevelTrace:
		return 0
	case LogLevelInfo:
		return 1
	case LogLevelWarn:
		return 2
	case LogLevelError:
		return 3
	default:
		return 1
	}
}
