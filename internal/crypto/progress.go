package crypto

// ProgressState names the long-running step a progress sink is observing.
type ProgressState int

const (
	StateIdle ProgressState = iota
	StateDecryptingIdentity
	StateEncryptingIdentity
	StateDecryptingPrevious
	StateDecryptingRescue
	StateEncryptingRescue
	StateDecryptingQuickPass
	StateEncryptingQuickPass
	StatePreparingQuery
	StateContactingServer
)

func (s ProgressState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecryptingIdentity:
		return "decrypting_identity"
	case StateEncryptingIdentity:
		return "encrypting_identity"
	case StateDecryptingPrevious:
		return "decrypting_previous"
	case StateDecryptingRescue:
		return "decrypting_rescue"
	case StateEncryptingRescue:
		return "encrypting_rescue"
	case StateDecryptingQuickPass:
		return "decrypting_quickpass"
	case StateEncryptingQuickPass:
		return "encrypting_quickpass"
	case StatePreparingQuery:
		return "preparing_query"
	case StateContactingServer:
		return "contacting_server"
	default:
		return "unknown"
	}
}

// ProgressSink receives UI feedback for KDF and protocol work. Progress
// values never decrease between two Max calls.
type ProgressSink interface {
	State(ProgressState)
	Max(int)
	Progress(int)
}

// NopProgress discards every update.
type NopProgress struct{}

func (NopProgress) State(ProgressState) {}
func (NopProgress) Max(int)             {}
func (NopProgress) Progress(int)        {}

func sinkOrNop(sink ProgressSink) ProgressSink {
	if sink == nil {
		return NopProgress{}
	}
	return sink
}

// monotonic filters a sink so that repeated or regressing ticks are dropped.
type monotonic struct {
	sink ProgressSink
	last int
}

func (m *monotonic) tick(v int) {
	if v <= m.last {
		return
	}
	m.last = v
	m.sink.Progress(v)
}
