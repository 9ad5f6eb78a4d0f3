package ledger

// ConditionEvaluator decides whether a claimant satisfies a record's access
// condition. The condition fields are opaque to the lifecycle engine; hosts
// plug in an evaluator that understands them (token balances, allow lists).
type ConditionEvaluator interface {
	Evaluate(cond *AccessCondition, caller string) bool
}

// AllowAllConditions is the default evaluator. Until a gating scheme is
// wired in, every attached condition passes.
type AllowAllConditions struct{}

func (AllowAllConditions) Evaluate(_ *AccessCondition, _ string) bool {
	return true
}
