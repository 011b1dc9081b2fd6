package backpressure

// Action is what the caller must do with an incoming message.
type Action uint8

const (
	// Admit appends the message normally.
	Admit Action = iota + 1
	// Reject drops the incoming message silently.
	Reject
	// RejectAndNotify drops the incoming message and informs the user.
	RejectAndNotify
	// EvictOldest removes the buffer head, then appends the message.
	EvictOldest
	// WaitForSpace blocks (bounded) until the buffer has room.
	WaitForSpace
	// FlushThenAdmit drains the buffer as a batch, then appends the message.
	FlushThenAdmit
)

func (a Action) String() string {
	switch a {
	case Admit:
		return "admit"
	case Reject:
		return "reject"
	case RejectAndNotify:
		return "reject_and_notify"
	case EvictOldest:
		return "evict_oldest"
	case WaitForSpace:
		return "wait_for_space"
	case FlushThenAdmit:
		return "flush_then_admit"
	default:
		return "unknown"
	}
}

// BufferState is the input to Resolve.
type BufferState struct {
	Size     int
	Capacity int
}

// Full reports whether no more items fit.
func (b BufferState) Full() bool { return b.Size >= b.Capacity }

// Resolve maps a strategy and buffer state to an action. It has no side effects.
func Resolve(s Strategy, st BufferState) Action {
	if !st.Full() {
		return Admit
	}
	switch s {
	case DropNew:
		return Reject
	case DropOldest:
		return EvictOldest
	case RejectWithNotification:
		return RejectAndNotify
	case BlockUntilSpace:
		return WaitForSpace
	case FlushAndAccept:
		return FlushThenAdmit
	default:
		return Reject
	}
}
