package dedupe

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"bitbucket.org/mmdatafocus/subscriptions_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type CheckStatus string

const (
	CheckPassed CheckStatus = "Passed"
	CheckFailed CheckStatus = "Failed"
	// CheckSkipped is the fail-open outcome: the rule could not be evaluated because of
	// an infrastructure error or missing fields, and deliberately does NOT block the
	// operation. Availability over strictness.
	CheckSkipped CheckStatus = "Skipped"
)

type CheckResult struct {
	Rule       string
	Criterion  Criterion
	Status     CheckStatus
	SkipReason string
	Confidence float64
	MatchCount int
	BestMatch  *models.Subscription
}

// Result is the verdict for one candidate. IsValid is false as soon as ANY rule finds
// a match, regardless of relative confidences; confidence only ranks which match is
// surfaced in DuplicateDetails.
type Result struct {
	IsValid          bool
	DuplicateFound   bool
	Checks           []CheckResult
	DuplicateDetails *CheckResult
}

const (
	defaultQueryTimeout = 5 * time.Second
	defaultBatchSize    = 10
)

// Validator evaluates a candidate subscription against the active rule set. Queries
// are best-effort detection only; hard mutual exclusion comes from the lock manager.
type Validator struct {
	store        store.SubscriptionStore
	logger       *logrus.Logger
	rules        []Rule
	queryTimeout time.Duration
	batchSize    int
	validate     *validator.Validate
}

type Option func(*Validator)

func WithRules(rules []Rule) Option {
	return func(v *Validator) { v.rules = rules }
}

func WithQueryTimeout(d time.Duration) Option {
	return func(v *Validator) { v.queryTimeout = d }
}

func WithBatchSize(n int) Option {
	return func(v *Validator) { v.batchSize = n }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

func NewValidator(subStore store.SubscriptionStore, opts ...Option) *Validator {
	v := &Validator{
		store:        subStore,
		logger:       config.GetLogger(),
		rules:        DefaultRules(),
		queryTimeout: defaultQueryTimeout,
		batchSize:    defaultBatchSize,
		validate:     validator.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every enabled rule against the candidate. Extra rules are appended to
// the standing set for this call only.
func (v *Validator) Validate(ctx context.Context, rec *models.Subscription, extraRules ...Rule) *Result {
	result := &Result{IsValid: true}
	if rec == nil {
		return result
	}

	rules := make([]Rule, 0, len(v.rules)+len(extraRules))
	rules = append(rules, v.rules...)
	rules = append(rules, extraRules...)

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		check := v.evaluateRule(ctx, rule, rec)
		result.Checks = append(result.Checks, check)
		if check.Status != CheckFailed {
			continue
		}
		result.IsValid = false
		result.DuplicateFound = true
		if result.DuplicateDetails == nil || check.Confidence > result.DuplicateDetails.Confidence {
			details := check
			result.DuplicateDetails = &details
		}
	}
	return result
}

// ValidateBatch validates candidates independently, in parallel up to the configured
// batch size. Result order matches input order.
func (v *Validator) ValidateBatch(ctx context.Context, recs []*models.Subscription, extraRules ...Rule) []*Result {
	results := make([]*Result, len(recs))
	sem := make(chan struct{}, v.batchSize)
	var wg sync.WaitGroup
	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec *models.Subscription) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = v.Validate(ctx, rec, extraRules...)
		}(i, rec)
	}
	wg.Wait()
	return results
}

func (v *Validator) evaluateRule(ctx context.Context, rule Rule, rec *models.Subscription) CheckResult {
	check := CheckResult{Rule: rule.Name, Criterion: rule.Criterion}

	if err := v.validate.Struct(rule); err != nil {
		check.Status = CheckSkipped
		check.SkipReason = "invalid rule: " + err.Error()
		return check
	}
	builder, ok := criterionQueries[rule.Criterion]
	if !ok {
		check.Status = CheckSkipped
		check.SkipReason = "unknown criterion"
		return check
	}
	query, ok := builder(rec)
	if !ok {
		check.Status = CheckSkipped
		check.SkipReason = "candidate has no value for criterion"
		return check
	}

	now := time.Now()
	from := now.Add(-rule.Window)
	query.From = &from
	query.ExcludeID = rec.ID
	query.Limit = config.SearchLimit

	queryCtx, cancel := context.WithTimeout(ctx, v.queryTimeout)
	defer cancel()
	matches, err := v.store.FindMatches(queryCtx, query)
	if err != nil {
		// Fail open: an unreachable store must not block a legitimate operation.
		check.Status = CheckSkipped
		check.SkipReason = err.Error()
		v.logger.WithFields(logrus.Fields{
			"module": "dedupe",
			"rule":   rule.Name,
		}).Warn("duplicate check skipped: " + err.Error())
		return check
	}
	if len(matches) == 0 {
		check.Status = CheckPassed
		return check
	}

	check.Status = CheckFailed
	check.MatchCount = len(matches)
	for _, match := range matches {
		confidence := matchConfidence(rule.BaseConfidence, rec, match, now)
		if check.BestMatch == nil || confidence > check.Confidence {
			check.Confidence = confidence
			check.BestMatch = match
		}
	}
	return check
}

// matchConfidence scores how likely an existing row is a true duplicate of the
// candidate, starting from the rule's base confidence.
func matchConfidence(base float64, rec *models.Subscription, existing *models.Subscription, now time.Time) float64 {
	score := base
	if rec.UserID != 0 && existing.UserID == rec.UserID {
		score += 0.2
	}
	if existing.Amount.Equal(rec.Amount) {
		score += 0.1
	}
	if rec.Email != "" && utils.NormalizeEmail(existing.Email) == utils.NormalizeEmail(rec.Email) {
		score += 0.15
	}
	if rec.ExternalReference != "" && existing.ExternalReference == rec.ExternalReference {
		score += 0.15
	}
	if rec.PaymentID != "" && existing.PaymentID == rec.PaymentID {
		score += 0.1
	}
	age := now.Sub(existing.CreatedAt)
	if age > 24*time.Hour {
		score -= 0.1
	}
	if age > 168*time.Hour {
		score -= 0.1
	}
	return utils.ClampConfidence(score)
}
