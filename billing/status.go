package billing

// MembershipStatus is the eligibility lifecycle of a membership.
//
//	pending -> awaiting_signature -> waiting_period -> active
//	waiting_period | active -> lapsed -> cancelled
//	lapsed -> waiting_period | active   (settlement after arrears)
//	cancelled -> waiting_period         (admin reinstatement)
type MembershipStatus string

const (
	StatusPending           MembershipStatus = "pending"
	StatusAwaitingSignature MembershipStatus = "awaiting_signature"
	StatusWaitingPeriod     MembershipStatus = "waiting_period"
	StatusActive            MembershipStatus = "active"
	StatusLapsed            MembershipStatus = "lapsed"
	StatusCancelled         MembershipStatus = "cancelled"
)

var membershipTransitions = map[MembershipStatus][]MembershipStatus{
	StatusPending:           {StatusAwaitingSignature},
	StatusAwaitingSignature: {StatusWaitingPeriod},
	StatusWaitingPeriod:     {StatusActive, StatusLapsed},
	StatusActive:            {StatusLapsed},
	StatusLapsed:            {StatusWaitingPeriod, StatusActive, StatusCancelled},
	StatusCancelled:         {StatusWaitingPeriod},
}

func (s MembershipStatus) Valid() bool {
	_, ok := membershipTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is in the table. Staying in the
// same status is always allowed.
func CanTransition(from, to MembershipStatus) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range membershipTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns a TransitionError for moves not in the table.
func Transition(from, to MembershipStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentCompleted, PaymentFailed},
	PaymentProcessing: {PaymentCompleted, PaymentFailed},
	// a gateway retry of the same charge may succeed after a failure
	PaymentFailed:    {PaymentCompleted},
	PaymentCompleted: {PaymentRefunded},
	PaymentRefunded:  {},
}

// CanTransitionPayment reports whether a payment may move from -> to.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// paymentSourcesFor lists the statuses a payment may be in before moving to
// "to"; stores use it as the guard of a conditional update.
func paymentSourcesFor(to PaymentStatus) []PaymentStatus {
	var from []PaymentStatus
	for _, s := range []PaymentStatus{PaymentPending, PaymentProcessing, PaymentFailed, PaymentCompleted, PaymentRefunded} {
		if CanTransitionPayment(s, to) {
			from = append(from, s)
		}
	}
	return from
}
