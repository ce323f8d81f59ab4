package rollnet

import (
	"testing"

	"github.com/piepacker/rollnet/netcode"
	"github.com/piepacker/rollnet/network"
)

func TestNewSyncTestSessionValidatesCheckDistance(t *testing.T) {
	if _, err := NewSyncTestSession(1, 4, 1); err == nil {
		t.Error("check distance 1 should be rejected")
	}
	if _, err := NewSyncTestSession(1, 4, netcode.DEFAULT_MAX_PREDICTION_FRAMES+1); err == nil {
		t.Error("check distance beyond the prediction window should be rejected")
	}
	sess, err := NewSyncTestSession(1, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if sess.CurrentState() != netcode.Initializing {
		t.Error("a fresh session should be initializing")
	}
}

func TestNewSpectatorSessionAppliesDefaults(t *testing.T) {
	net := network.NewMockNetwork()
	sess := NewSpectatorSession(2, 4, net.Socket("S"), "H", 0, 0)
	if sess.MaxFramesBehind != netcode.DEFAULT_MAX_FRAMES_BEHIND {
		t.Errorf("expected default max frames behind, got %d", sess.MaxFramesBehind)
	}
	if sess.CatchupSpeed != netcode.DEFAULT_CATCHUP_SPEED {
		t.Errorf("expected default catchup speed, got %d", sess.CatchupSpeed)
	}
}

func TestNewP2PSessionDefaults(t *testing.T) {
	net := network.NewMockNetwork()
	sess := NewP2PSession(2, 4, net.Socket("A"))
	if sess.MaxPrediction != netcode.DEFAULT_MAX_PREDICTION_FRAMES {
		t.Errorf("expected the default prediction window, got %d", sess.MaxPrediction)
	}
	if sess.CurrentState() != netcode.Initializing {
		t.Error("a fresh session should be initializing")
	}
	if sess.CurrentFrame() != 0 {
		t.Errorf("a fresh session should start at frame 0, got %d", sess.CurrentFrame())
	}
}
