package bookings

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// transitions lists the legal moves of the booking lifecycle. EXPIRED -> PAID
// is absent on purpose: reinstatement goes through CanReinstate.
var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled, StatusExpired},
	StatusPaid:    {StatusCompleted, StatusCancelled},
}

// IsValid checks if the booking status is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// String returns the string representation of Status
func (s Status) String() string {
	return string(s)
}

// CanTransitionTo reports whether s -> next is a legal lifecycle move
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanReinstate reports whether a booking in this status may be reversed to
// PAID by a confirmation proving payment before the deadline
func (s Status) CanReinstate() bool {
	return s == StatusExpired
}

// CanBeCancelled checks if a booking with this status can be cancelled
func (s Status) CanBeCancelled() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// IsTerminal reports whether the booking can no longer change
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// IsSettled reports whether payment is already recorded
func (s Status) IsSettled() bool {
	return s == StatusPaid || s == StatusCompleted
}

// Outcome is what a payment signal says about a booking's payment
type Outcome string

const (
	OutcomePaid      Outcome = "PAID"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeUnknown   Outcome = "UNKNOWN"
)

// IsValid checks if the outcome is valid
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePaid, OutcomeFailed, OutcomeCancelled, OutcomeUnknown:
		return true
	}
	return false
}

// Disposition records what a confirmation did to its booking
type Disposition string

const (
	DispositionApplied    Disposition = "APPLIED"
	DispositionReinstated Disposition = "REINSTATED"
	DispositionDuplicate  Disposition = "DUPLICATE"
	DispositionRefund     Disposition = "REFUND"
	DispositionRecorded   Disposition = "RECORDED"
)
