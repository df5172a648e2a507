package queue

import "fmt"

// Category names one of the side-effect streams fed by the filter pipeline.
// The set is fixed: every inbound message fans out into at most one task per
// category.
type Category string

const (
	CategoryStats      Category = "stats"
	CategoryActivity   Category = "activity"
	CategoryAnalytics  Category = "analytics"
	CategoryAlerting   Category = "alerting"
	CategoryReputation Category = "reputation"
	CategoryAudit      Category = "audit"
)

// categories is the canonical ordering used by EnqueueBatch fan-out.
var categories = []Category{
	CategoryStats,
	CategoryActivity,
	CategoryAnalytics,
	CategoryAlerting,
	CategoryReputation,
	CategoryAudit,
}

// Categories returns the known categories in fan-out order. The caller owns
// the returned slice.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory validates s against the known category set.
func ParseCategory(s string) (Category, error) {
	for _, c := range categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("queue: unknown category %q", s)
}
