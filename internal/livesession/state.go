package livesession

// ConnectionState tracks where the session is in its lifecycle. Transitions
// happen only inside the state machine, never from callers.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
)

// Mode reflects who currently holds the floor. Advisory for the UI, not
// authoritative for protocol correctness.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
)

// ErrorKind classifies terminal, user-visible failures. Empty means no error.
type ErrorKind string

const (
	ErrNone          ErrorKind = ""
	ErrQuotaExceeded ErrorKind = "QUOTA_EXCEEDED"
	// ErrNetwork is reserved for caller-facing messaging; the retry policy
	// treats it the same as ErrConnection and never sets it mid-retry.
	ErrNetwork    ErrorKind = "NETWORK_ERROR"
	ErrConnection ErrorKind = "CONNECTION_ERROR"
	ErrInitFailed ErrorKind = "INIT_FAILED"
	ErrDisabled   ErrorKind = "DISABLED"
)

// State is the UI-observable snapshot of a session.
type State struct {
	Connection     ConnectionState
	Mode           Mode
	Error          ErrorKind
	UserTranscript string
	AITranscript   string
}

func (s State) IsConnected() bool  { return s.Connection == StateConnected }
func (s State) IsConnecting() bool { return s.Connection == StateConnecting }

// Stats counts session-internal events for observability export.
type Stats struct {
	FramesSent    int64
	DroppedFrames int64
	Interruptions int64
	Reconnects    int64
	ToolCalls     int64
	MemorySaves   int64
}
