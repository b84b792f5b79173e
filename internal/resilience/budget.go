package resilience

// Budget bounds the work of a single invocation: how many extra provider
// calls the [Retrier] may make and how many corrective re-queries the
// correction loop may issue. Counters only ever decrease.
//
// A Budget belongs to one invocation and is not safe for concurrent use.
type Budget struct {
	providerRetries int
	corrections     int
}

// NewBudget returns a budget with the given allowances. Negative values are
// treated as zero.
func NewBudget(providerRetries, corrections int) *Budget {
	return &Budget{
		providerRetries: max(providerRetries, 0),
		corrections:     max(corrections, 0),
	}
}

// ProviderRetries returns the remaining provider retry allowance.
func (b *Budget) ProviderRetries() int {
	if b == nil {
		return 0
	}
	return b.providerRetries
}

// Corrections returns the remaining correction allowance.
func (b *Budget) Corrections() int {
	if b == nil {
		return 0
	}
	return b.corrections
}

// SpendProviderRetry consumes one provider retry and reports whether one was
// available. A nil budget imposes no limit.
func (b *Budget) SpendProviderRetry() bool {
	if b == nil {
		return true
	}
	if b.providerRetries == 0 {
		return false
	}
	b.providerRetries--
	return true
}

// SpendCorrection consumes one correction and reports whether one was
// available. A nil budget allows none.
func (b *Budget) SpendCorrection() bool {
	if b == nil || b.corrections == 0 {
		return false
	}
	b.corrections--
	return true
}
