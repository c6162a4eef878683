package shockcase

// Status is the single workflow state of a case. There is no separate
// archived flag: StatusArchived is only ever observed on the way out of
// the active store.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusAdmitted    Status = "admitted"
	StatusDischarged  Status = "discharged"
	StatusArchived    Status = "archived"
)

var allStatuses = []Status{
	StatusPending,
	StatusUnderReview,
	StatusApproved,
	StatusRejected,
	StatusAdmitted,
	StatusDischarged,
	StatusArchived,
}

// statusTransitions defines the allowed transitions for a case.
var statusTransitions = map[Status][]Status{
	StatusPending:     {StatusUnderReview, StatusApproved, StatusRejected},
	StatusUnderReview: {StatusApproved, StatusRejected},
	StatusApproved:    {StatusAdmitted},
	StatusAdmitted:    {StatusDischarged},
	StatusDischarged:  {StatusArchived},
	StatusRejected:    {},
	StatusArchived:    {},
}

// AllStatuses lists every status in workflow order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := statusTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether current -> target is in the transition table.
func CanTransition(current, target Status) bool {
	for _, s := range statusTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// Apply validates current -> target. On an illegal pair it returns current
// unchanged together with an InvalidTransition error.
func Apply(current, target Status) (Status, error) {
	if !CanTransition(current, target) {
		return current, &Error{Kind: KindInvalidTransition, From: current, To: target}
	}
	return target, nil
}
