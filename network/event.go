package network

import (
	"github.com/piepacker/rollnet/lib"
	"github.com/piepacker/rollnet/netcode"
)

type EventType int64

const (
	EventUnknown EventType = iota - 1
	EventConnected
	EventSynchronizing
	EventSynchronized
	EventInput
	EventDisconnected
	EventNetworkInterrupted
	EventNetworkResumed
	EventChecksum
)

// Event is an endpoint-internal notification. Endpoints fill an out-list
// during Poll; they never call back into the session.
type Event struct {
	Type   EventType
	Input  lib.GameInput
	Player netcode.PlayerHandle

	// EventSynchronizing
	Total int64
	Count int64

	// EventNetworkInterrupted
	DisconnectTimeout int64

	// EventChecksum
	Frame    int64
	Checksum int64
}
