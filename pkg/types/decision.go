package types

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	// DecisionFault marks a call whose parameters could not be evaluated.
	DecisionFault Decision = "fault"
)
