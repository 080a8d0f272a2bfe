package schema

import "fmt"

// CaseTransitionEvent is a pipeline-driven trigger for a case status change.
// Analyst overrides are a separate path (OverrideCaseStatus), so automated
// transitions can be tested independently of manual actions.
type CaseTransitionEvent string

const (
	EventInvestigate       CaseTransitionEvent = "investigate"
	EventEscalate          CaseTransitionEvent = "escalate"
	EventResolve           CaseTransitionEvent = "resolve"
	EventClose             CaseTransitionEvent = "close"
	EventMarkFalsePositive CaseTransitionEvent = "mark_false_positive"
)

// caseRank orders statuses along the forward-only chain.
// Terminal statuses share the highest rank.
var caseRank = map[CaseStatus]int{
	CaseOpen:          0,
	CaseInvestigating: 1,
	CaseEscalated:     2,
	CaseResolved:      3,
	CaseClosed:        3,
	CaseFalsePositive: 3,
}

// eventTarget is the transition table: each event names the status it drives to.
var eventTarget = map[CaseTransitionEvent]CaseStatus{
	EventInvestigate:       CaseInvestigating,
	EventEscalate:          CaseEscalated,
	EventResolve:           CaseResolved,
	EventClose:             CaseClosed,
	EventMarkFalsePositive: CaseFalsePositive,
}

// IsTerminalCaseStatus reports whether a case can no longer be mutated by the pipeline.
func IsTerminalCaseStatus(s CaseStatus) bool {
	return caseRank[s] == 3
}

// NextCaseStatus applies a pipeline-driven event to the current status.
// Returns ok=false when the transition would move backward, stay in place,
// or mutate a terminal case.
func NextCaseStatus(cur CaseStatus, ev CaseTransitionEvent) (CaseStatus, bool) {
	target, known := eventTarget[ev]
	if !known {
		return cur, false
	}
	if IsTerminalCaseStatus(cur) {
		return cur, false
	}
	curRank, ok := caseRank[cur]
	if !ok || caseRank[target] <= curRank {
		return cur, false
	}
	return target, true
}

// OverrideCaseStatus applies an explicit analyst override. Overrides may move
// a case backward along the chain, but terminal cases stay terminal: a new
// correlation for the same entities opens a fresh case instead.
func OverrideCaseStatus(cur, target CaseStatus) (CaseStatus, error) {
	if _, ok := caseRank[target]; !ok {
		return cur, fmt.Errorf("unknown case status %q", target)
	}
	if IsTerminalCaseStatus(cur) {
		return cur, fmt.Errorf("case is terminal (%s), cannot override to %s", cur, target)
	}
	if target == cur {
		return cur, fmt.Errorf("case already in status %s", cur)
	}
	return target, nil
}
