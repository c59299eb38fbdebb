package search

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/utils"
)

type Strategy string

const (
	StrategyExact     Strategy = "Exact"
	StrategyFuzzy     Strategy = "Fuzzy"
	StrategyComposite Strategy = "Composite"
	// StrategySmart is the adaptive default: exact first, then fuzzy, then composite,
	// then penalized single-criterion searches.
	StrategySmart Strategy = "Smart"
)

// Criteria is the caller's partial description of the record being looked for.
type Criteria struct {
	Email             string
	ExternalReference string
	OrderID           string
	Phone             string
	UserID            int
	From              *time.Time
	To                *time.Time
	Statuses          []models.SubscriptionStatus
}

// criteriaFieldCount is the number of searchable identity fields on Criteria,
// used for the completeness bonus.
const criteriaFieldCount = 5

func (c Criteria) normalized() Criteria {
	c.Email = utils.NormalizeEmail(c.Email)
	c.Phone = utils.NormalizePhone(c.Phone)
	c.ExternalReference = strings.TrimSpace(c.ExternalReference)
	c.OrderID = strings.TrimSpace(c.OrderID)
	return c
}

func (c Criteria) filledFields() []string {
	var fields []string
	if c.Email != "" {
		fields = append(fields, "email")
	}
	if c.ExternalReference != "" {
		fields = append(fields, "externalReference")
	}
	if c.OrderID != "" {
		fields = append(fields, "orderId")
	}
	if c.Phone != "" {
		fields = append(fields, "phone")
	}
	if c.UserID != 0 {
		fields = append(fields, "userId")
	}
	return fields
}

func (c Criteria) Empty() bool {
	return len(c.filledFields()) == 0
}

// cacheKey canonicalizes (strategy, criteria) for result caching.
func (c Criteria) cacheKey(strategy Strategy) string {
	from, to := "", ""
	if c.From != nil {
		from = c.From.UTC().Format(time.RFC3339)
	}
	if c.To != nil {
		to = c.To.UTC().Format(time.RFC3339)
	}
	statuses := make([]string, 0, len(c.Statuses))
	for _, status := range c.Statuses {
		statuses = append(statuses, string(status))
	}
	return fmt.Sprintf("searchCache:%s:%s|%s|%s|%s|%d|%s|%s|%s",
		strategy, c.Email, c.ExternalReference, c.OrderID, c.Phone, c.UserID,
		from, to, strings.Join(statuses, ","))
}

// Match is one ranked search result. Ephemeral, never persisted.
type Match struct {
	Record        *models.Subscription `json:"record"`
	Strategy      Strategy             `json:"strategy"`
	Confidence    float64              `json:"confidence"`
	MatchedFields []string             `json:"matched_fields"`
	SearchedAt    time.Time            `json:"searched_at"`
}
