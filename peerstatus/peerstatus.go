// Package peerstatus tracks per-player connection state from session
// events, so host UIs can render connect progress, interruption countdowns
// and disconnects without interpreting events themselves.
package peerstatus

import (
	"github.com/piepacker/rollnet/netcode"
)

type ConnectState int64

const (
	Connecting ConnectState = iota
	Synchronizing
	Running
	Interrupted
	Disconnected
)

type PlayerStatus struct {
	Handle          netcode.PlayerHandle
	State           ConnectState
	ConnectProgress int64

	// set while interrupted: when the countdown started and how long until
	// the session gives up
	DisconnectStart   int64
	DisconnectTimeout int64
}

// Tracker folds session events into a per-player connection view.
type Tracker struct {
	Players map[netcode.PlayerHandle]*PlayerStatus
}

func NewTracker(handles ...netcode.PlayerHandle) *Tracker {
	t := &Tracker{Players: make(map[netcode.PlayerHandle]*PlayerStatus)}
	for _, handle := range handles {
		t.Players[handle] = &PlayerStatus{Handle: handle, State: Connecting}
	}
	return t
}

// Track updates the tracked state from one session event. now is the
// host's wall clock in milliseconds, used for interruption countdowns.
func (t *Tracker) Track(evt netcode.Event, now int64) {
	switch evt.Code {
	case netcode.EVENTCODE_SYNCHRONIZING_WITH_PEER:
		if player := t.player(evt.Player); player != nil {
			player.State = Synchronizing
			if evt.Total > 0 {
				player.ConnectProgress = 100 * evt.Count / evt.Total
			}
		}

	case netcode.EVENTCODE_SYNCHRONIZED_WITH_PEER:
		if player := t.player(evt.Player); player != nil {
			player.State = Running
			player.ConnectProgress = 100
		}

	case netcode.EVENTCODE_RUNNING:
		for _, player := range t.Players {
			if player.State != Disconnected {
				player.State = Running
				player.ConnectProgress = 100
			}
		}

	case netcode.EVENTCODE_CONNECTION_INTERRUPTED:
		if player := t.player(evt.Player); player != nil {
			player.State = Interrupted
			player.DisconnectStart = now
			player.DisconnectTimeout = evt.DisconnectTimeout
		}

	case netcode.EVENTCODE_CONNECTION_RESUMED:
		if player := t.player(evt.Player); player != nil {
			player.State = Running
			player.DisconnectStart = 0
			player.DisconnectTimeout = 0
		}

	case netcode.EVENTCODE_DISCONNECTED_FROM_PEER:
		if player := t.player(evt.Player); player != nil {
			player.State = Disconnected
		}
	}
}

func (t *Tracker) player(handle netcode.PlayerHandle) *PlayerStatus {
	return t.Players[handle]
}
