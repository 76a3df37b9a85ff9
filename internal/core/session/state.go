package session

// State is the position of a chat in the conversation. Exactly one state is
// active per session; handlers decide transitions, the manager persists them.
type State string

const (
	StateIdle                      State = "idle"
	StateAuthenticating            State = "authenticating"
	StateAuthenticated             State = "authenticated"
	StateAwaitingOrderNumber       State = "awaiting_order_number"
	StateAwaitingSerial            State = "awaiting_serial"
	StateAwaitingComplaintCategory State = "awaiting_complaint_category"
	StateAwaitingComplaintText     State = "awaiting_complaint_text"
	StateAwaitingRepairDescription State = "awaiting_repair_description"
	StateRateLimited               State = "rate_limited"
)

var allStates = []State{
	StateIdle,
	StateAuthenticating,
	StateAuthenticated,
	StateAwaitingOrderNumber,
	StateAwaitingSerial,
	StateAwaitingComplaintCategory,
	StateAwaitingComplaintText,
	StateAwaitingRepairDescription,
	StateRateLimited,
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

func (s State) Valid() bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsWaiting reports whether the state expects the next text message as input.
func (s State) IsWaiting() bool {
	switch s {
	case StateAuthenticating,
		StateAwaitingOrderNumber,
		StateAwaitingSerial,
		StateAwaitingComplaintCategory,
		StateAwaitingComplaintText,
		StateAwaitingRepairDescription:
		return true
	}
	return false
}

// RequiresAuth reports whether the state is only meaningful for an
// authenticated session.
func (s State) RequiresAuth() bool {
	switch s {
	case StateAwaitingComplaintCategory,
		StateAwaitingComplaintText,
		StateAwaitingRepairDescription:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}
