package billing

// PlanSource names the tier a plan code was derived from.
type PlanSource string

const (
	PlanFromPrice        PlanSource = "price_metadata"
	PlanFromSubscription PlanSource = "subscription_metadata"
	PlanFromMapping      PlanSource = "price_mapping"
	PlanFromDefault      PlanSource = "default"
)

// PlanResolver derives plan codes from provider price and subscription data.
type PlanResolver struct {
	mapping     map[string]string
	defaultPlan string
}

// NewPlanResolver creates a resolver over a price to plan mapping.
func NewPlanResolver(mapping map[string]string, defaultPlan string) *PlanResolver {
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	if defaultPlan == "" {
		defaultPlan = DefaultPlanCode
	}
	return &PlanResolver{mapping: m, defaultPlan: defaultPlan}
}

// Resolve picks the plan code by priority: price metadata, subscription metadata,
// the static price mapping, then the default plan.
func (r *PlanResolver) Resolve(priceID string, priceMeta, subMeta map[string]string) (string, PlanSource) {
	if plan := priceMeta[PlanCodeMetadataKey]; plan != "" {
		return plan, PlanFromPrice
	}
	if plan := subMeta[PlanCodeMetadataKey]; plan != "" {
		return plan, PlanFromSubscription
	}
	if plan, ok := r.mapping[priceID]; ok && priceID != "" {
		return plan, PlanFromMapping
	}
	return r.defaultPlan, PlanFromDefault
}
