package pipeline

import (
	"strings"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultAmountThreshold is the amount above which a transaction is suspicious.
var DefaultAmountThreshold = decimal.NewFromInt(10000)

// Rules is the deployment-specific input of the classifier.
type Rules struct {
	AmountThreshold   decimal.Decimal
	HighRiskCountries []string
}

// Classifier applies the suspicion rules in a fixed order; the first match
// decides the reason. It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	threshold decimal.Decimal
	countries map[string]struct{}
}

// NewClassifier builds a classifier. Country names are matched case-insensitively.
func NewClassifier(rules Rules) *Classifier {
	countries := make(map[string]struct{}, len(rules.HighRiskCountries))
	for _, c := range rules.HighRiskCountries {
		if n := normalizeCountry(c); n != "" {
			countries[n] = struct{}{}
		}
	}
	return &Classifier{
		threshold: rules.AmountThreshold,
		countries: countries,
	}
}

// Classify annotates the event. Rule order:
//  1. upstream flag      -> flagged
//  2. amount > threshold -> high_amount
//  3. high-risk country  -> risky_country
//  4. otherwise          -> none
func (c *Classifier) Classify(event domain.TransactionEvent) domain.ClassifiedTransaction {
	out := domain.ClassifiedTransaction{TransactionEvent: event, Reason: domain.ReasonNone}

	switch {
	case event.SourceSuspiciousFlag:
		out.Reason = domain.ReasonFlagged
	case event.Amount.GreaterThan(c.threshold):
		out.Reason = domain.ReasonHighAmount
	case c.isHighRisk(event.Country):
		out.Reason = domain.ReasonRiskyCountry
	}

	out.IsSuspicious = out.Reason != domain.ReasonNone
	return out
}

func (c *Classifier) isHighRisk(country string) bool {
	n := normalizeCountry(country)
	if n == "" {
		return false
	}
	_, ok := c.countries[n]
	return ok
}

func normalizeCountry(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
