package dedupe

import (
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"bitbucket.org/mmdatafocus/subscriptions_backend/utils"
)

type Criterion string

const (
	CriterionEmail             Criterion = "Email"
	CriterionExternalReference Criterion = "ExternalReference"
	CriterionOrderID           Criterion = "OrderID"
	CriterionEmailAndReference Criterion = "EmailAndReference"
)

// Rule is a named duplicate check: one windowed, self-excluding store query built from
// the candidate record. Rules are immutable once a Validate call starts.
type Rule struct {
	Name           string        `validate:"required"`
	Criterion      Criterion     `validate:"required"`
	Window         time.Duration `validate:"gt=0"`
	BaseConfidence float64       `validate:"gte=0,lte=1"`
	Enabled        bool
}

// DefaultRules is the standing rule set applied to every candidate.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "email_exact", Criterion: CriterionEmail, Window: 24 * time.Hour, BaseConfidence: 0.8, Enabled: true},
		{Name: "external_reference", Criterion: CriterionExternalReference, Window: 168 * time.Hour, BaseConfidence: 0.9, Enabled: true},
		{Name: "order_id", Criterion: CriterionOrderID, Window: 72 * time.Hour, BaseConfidence: 0.85, Enabled: true},
		{Name: "email_and_reference", Criterion: CriterionEmailAndReference, Window: 48 * time.Hour, BaseConfidence: 0.95, Enabled: true},
	}
}

// queryBuilder extracts a rule's criterion from the candidate. ok=false means the
// record does not carry the fields this criterion needs.
type queryBuilder func(rec *models.Subscription) (store.SubscriptionQuery, bool)

var criterionQueries = map[Criterion]queryBuilder{
	CriterionEmail: func(rec *models.Subscription) (store.SubscriptionQuery, bool) {
		email := utils.NormalizeEmail(rec.Email)
		if email == "" {
			return store.SubscriptionQuery{}, false
		}
		return store.SubscriptionQuery{Email: email}, true
	},
	CriterionExternalReference: func(rec *models.Subscription) (store.SubscriptionQuery, bool) {
		if rec.ExternalReference == "" {
			return store.SubscriptionQuery{}, false
		}
		return store.SubscriptionQuery{ExternalReference: rec.ExternalReference}, true
	},
	CriterionOrderID: func(rec *models.Subscription) (store.SubscriptionQuery, bool) {
		if rec.OrderID == "" {
			return store.SubscriptionQuery{}, false
		}
		return store.SubscriptionQuery{OrderID: rec.OrderID}, true
	},
	CriterionEmailAndReference: func(rec *models.Subscription) (store.SubscriptionQuery, bool) {
		email := utils.NormalizeEmail(rec.Email)
		if email == "" || rec.ExternalReference == "" {
			return store.SubscriptionQuery{}, false
		}
		return store.SubscriptionQuery{Email: email, ExternalReference: rec.ExternalReference}, true
	},
}
