package peerstatus

import (
	"testing"

	"github.com/piepacker/rollnet/netcode"
)

func TestTrackerFollowsConnectionLifecycle(t *testing.T) {
	tracker := NewTracker(0, 1)

	if tracker.Players[1].State != Connecting {
		t.Fatalf("expected player 1 to start connecting, got %d", tracker.Players[1].State)
	}

	tracker.Track(netcode.Event{
		Code:   netcode.EVENTCODE_SYNCHRONIZING_WITH_PEER,
		Player: 1,
		Count:  2,
		Total:  5,
	}, 1000)
	if tracker.Players[1].State != Synchronizing || tracker.Players[1].ConnectProgress != 40 {
		t.Fatalf("expected synchronizing at 40%%, got state %d progress %d",
			tracker.Players[1].State, tracker.Players[1].ConnectProgress)
	}

	tracker.Track(netcode.Event{Code: netcode.EVENTCODE_SYNCHRONIZED_WITH_PEER, Player: 1}, 1100)
	if tracker.Players[1].State != Running || tracker.Players[1].ConnectProgress != 100 {
		t.Fatal("expected player 1 running at full progress")
	}

	tracker.Track(netcode.Event{Code: netcode.EVENTCODE_RUNNING}, 1200)
	if tracker.Players[0].State != Running {
		t.Fatal("the running event should mark every connected player running")
	}

	tracker.Track(netcode.Event{
		Code:              netcode.EVENTCODE_CONNECTION_INTERRUPTED,
		Player:            1,
		DisconnectTimeout: 4250,
	}, 5000)
	status := tracker.Players[1]
	if status.State != Interrupted || status.DisconnectStart != 5000 || status.DisconnectTimeout != 4250 {
		t.Fatalf("interruption not tracked: %+v", status)
	}

	tracker.Track(netcode.Event{Code: netcode.EVENTCODE_CONNECTION_RESUMED, Player: 1}, 6000)
	if tracker.Players[1].State != Running || tracker.Players[1].DisconnectStart != 0 {
		t.Fatal("resume did not clear the interruption")
	}

	tracker.Track(netcode.Event{Code: netcode.EVENTCODE_DISCONNECTED_FROM_PEER, Player: 1}, 7000)
	if tracker.Players[1].State != Disconnected {
		t.Fatal("disconnect not tracked")
	}

	// disconnected players stay disconnected on later running events
	tracker.Track(netcode.Event{Code: netcode.EVENTCODE_RUNNING}, 8000)
	if tracker.Players[1].State != Disconnected {
		t.Fatal("a disconnected player must not come back on a running event")
	}
}

func TestTrackerIgnoresUnknownPlayers(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Track(netcode.Event{Code: netcode.EVENTCODE_SYNCHRONIZED_WITH_PEER, Player: 9}, 0)
	if len(tracker.Players) != 1 {
		t.Fatal("unknown players must not be added implicitly")
	}
}
