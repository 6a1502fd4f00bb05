package teamsvolume

// ConnectionState is the engine's single lifecycle variable. All transitions
// go through compare-and-swap so a poll tick and a device-change event can
// never race their way into two live sessions.
type ConnectionState int32

const (
	// StatePermissionPending: waiting for the OS audio-capture permission.
	StatePermissionPending ConnectionState = iota
	// StateIdle: permission granted, no session, polling for the target.
	StateIdle
	// StateConnecting: a session build is in flight.
	StateConnecting
	// StateConnected: exactly one live tap session exists.
	StateConnected
	// StateReconnecting: session torn down after an output-device change,
	// waiting out the settle delay before rebuilding.
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StatePermissionPending:
		return "permission-pending"
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
