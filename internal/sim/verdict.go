package sim

// RejectReason is the machine-readable cause attached to a refused command.
// Rejections are expected outcomes carried as data, never errors.
type RejectReason string

const (
	RejectNotFound              RejectReason = "not_found"
	RejectOutOfBounds           RejectReason = "out_of_bounds"
	RejectBlocked               RejectReason = "blocked"
	RejectInsufficientFunds     RejectReason = "insufficient_funds"
	RejectInsufficientResources RejectReason = "insufficient_resources"
	RejectInvalidMediator       RejectReason = "invalid_mediator"
	RejectInvalidStatus         RejectReason = "invalid_status"
	RejectInvalidArgument       RejectReason = "invalid_argument"
	RejectDuplicate             RejectReason = "duplicate"
	RejectDeferred              RejectReason = "deferred"
	RejectQueueLimit            RejectReason = "queue_limit"
	RejectUnknownActor          RejectReason = "unknown_actor"
)

// Retryable reports whether the client should resubmit the same command.
func (r RejectReason) Retryable() bool {
	return r == RejectQueueLimit || r == RejectDeferred
}

// Verdict is the validator's answer for a single command.
type Verdict struct {
	OK     bool
	Reason RejectReason
	Detail string
}

// Accept is the affirmative verdict.
func Accept() Verdict {
	return Verdict{OK: true}
}

// Reject builds a refusal with the given reason.
func Reject(reason RejectReason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// Outcome pairs a processed command with its verdict so the room layer can
// notify only the originating connection.
type Outcome struct {
	Command Command
	Verdict Verdict
	Tick    uint64
}
