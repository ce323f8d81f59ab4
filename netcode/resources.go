package netcode

const (
	NULL_FRAME                      = -1
	MAX_PLAYERS                     = 4
	DEFAULT_MAX_PREDICTION_FRAMES   = 8
	SPECTATOR_HANDLE_OFFSET         = 1000
	DEFAULT_FPS                     = 60
	DEFAULT_DISCONNECT_TIMEOUT      = 5000
	DEFAULT_DISCONNECT_NOTIFY_START = 750
	DEFAULT_MAX_FRAMES_BEHIND       = 10
	DEFAULT_CATCHUP_SPEED           = 1
)

type PlayerHandle int64

const INVALID_HANDLE PlayerHandle = -1

type PlayerType int64

const (
	PLAYERTYPE_LOCAL PlayerType = iota
	PLAYERTYPE_REMOTE
	PLAYERTYPE_SPECTATOR
)

// Player describes one participant before the session starts. PlayerNum is
// the 1-based slot for local and remote players; spectators ignore it.
// Addr is the remote address for remote players and spectators, compared by
// value against the sender address of incoming datagrams.
type Player struct {
	Type      PlayerType
	PlayerNum int64
	Addr      string
}

type SessionState int64

const (
	Initializing SessionState = iota
	Synchronizing
	Running
)

// InputStatus tags every input handed to the host on an advance request.
type InputStatus int64

const (
	InputConfirmed InputStatus = iota
	InputPredicted
	InputDisconnected
)

// ConnectStatus tracks, for one player, whether they disconnected and the
// last frame an authoritative input was seen for them. Every client keeps
// one per player and the protocol piggybacks them on input packets.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    int64
}

type NetworkStats struct {
	Ping               int64
	SendQueueLen       int64
	KbpsSent           int64
	LocalFramesBehind  int64
	RemoteFramesBehind int64
}

func MAX(a int64, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func MIN(a int64, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
