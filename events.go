package moqsession

// EventKind tags a SessionEvent.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventBroadcastAnnounced
	EventBroadcastUnannounced
	EventTrackRequested
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventBroadcastAnnounced:
		return "broadcast_announced"
	case EventBroadcastUnannounced:
		return "broadcast_unannounced"
	case EventTrackRequested:
		return "track_requested"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionEvent is one entry of the ordered, lossless event stream
// returned by Session.NextEvent. Only the fields relevant to Kind are
// populated.
type SessionEvent struct {
	Kind    EventKind
	Path    string // BroadcastAnnounced, BroadcastUnannounced, TrackRequested
	Name    string // TrackRequested
	Reason  string // Disconnected
	Message string // Error
}
