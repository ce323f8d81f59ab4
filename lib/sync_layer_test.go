package lib

import (
	"testing"

	"github.com/piepacker/rollnet/netcode"
)

func newTestSync(numPlayers int64) *Sync {
	s := new(Sync)
	s.Init(Config{NumPlayers: numPlayers, InputSize: 4, MaxPrediction: 8})
	return s
}

func connectedStatus(numPlayers int64, lastFrame int64) []netcode.ConnectStatus {
	status := make([]netcode.ConnectStatus, numPlayers)
	for i := range status {
		status[i].LastFrame = lastFrame
	}
	return status
}

func TestReachPredictionThreshold(t *testing.T) {
	s := newTestSync(2)

	for i := int64(0); i < 20; i++ {
		input := makeInput(i, byte(i))
		_, err := s.AddLocalInput(0, input)
		if i < 8 {
			if err != nil {
				t.Fatalf("frame %d: unexpected error %v", i, err)
			}
		} else {
			if err != netcode.ErrPredictionThreshold {
				t.Fatalf("frame %d: expected prediction threshold, got %v", i, err)
			}
			return
		}
		s.IncrementFrame()
	}
	t.Fatal("prediction threshold never hit")
}

func TestDifferentDelays(t *testing.T) {
	s := newTestSync(2)
	p1Delay := int64(2)
	p2Delay := int64(0)
	s.SetFrameDelay(0, p1Delay)
	s.SetFrameDelay(1, p2Delay)

	status := connectedStatus(2, NULL_FRAME)

	for i := int64(0); i < 20; i++ {
		// remote inputs bypass the prediction threshold check
		s.AddRemoteInput(0, makeInput(i, byte(i)))
		s.AddRemoteInput(1, makeInput(i, byte(i)))
		status[0].LastFrame = i
		status[1].LastFrame = i

		if i >= 3 {
			inputs := s.SynchronizedInputs(status)
			if inputs[0].Bits[0] != byte(i-p1Delay) {
				t.Fatalf("frame %d: player 0 input is %d, expected %d", i, inputs[0].Bits[0], byte(i-p1Delay))
			}
			if inputs[1].Bits[0] != byte(i-p2Delay) {
				t.Fatalf("frame %d: player 1 input is %d, expected %d", i, inputs[1].Bits[0], byte(i-p2Delay))
			}
		}
		s.IncrementFrame()
	}
}

func TestSaveAndLoadRequests(t *testing.T) {
	s := newTestSync(1)

	save := s.SaveCurrentFrame()
	if save.Type != netcode.RequestSaveGameState || save.Frame != 0 || save.Cell == nil {
		t.Fatalf("unexpected save request %+v", save)
	}
	save.Cell.Save(0, []byte{42}, 0)

	status := connectedStatus(1, NULL_FRAME)
	for i := int64(0); i < 3; i++ {
		input := makeInput(i, byte(i))
		if _, err := s.AddLocalInput(0, input); err != nil {
			t.Fatal(err)
		}
		s.SynchronizedInputs(status)
		s.IncrementFrame()
		s.SaveCurrentFrame().Cell.Save(s.FrameCount, nil, 0)
	}

	load := s.LoadFrame(0)
	if load.Type != netcode.RequestLoadGameState || load.Frame != 0 {
		t.Fatalf("unexpected load request %+v", load)
	}
	if got := load.Cell.Load(); len(got) != 1 || got[0] != 42 {
		t.Fatalf("loaded the wrong cell payload: %v", got)
	}
	if s.FrameCount != 0 {
		t.Fatalf("load did not rewind the frame counter, at %d", s.FrameCount)
	}
}

func TestLoadOverwrittenCellPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when loading an overwritten cell")
		}
	}()

	s := newTestSync(1)
	s.FrameCount = 40 // far past the ring size without any saves
	s.LoadFrame(2)
}

func TestDisconnectedPlayerInputs(t *testing.T) {
	s := newTestSync(2)
	status := connectedStatus(2, NULL_FRAME)

	s.AddRemoteInput(0, makeInput(0, 5))
	status[0].LastFrame = 0
	status[1].Disconnected = true
	status[1].LastFrame = NULL_FRAME

	inputs := s.SynchronizedInputs(status)
	if inputs[0].Status != netcode.InputConfirmed {
		t.Errorf("player 0 should be confirmed, got %d", inputs[0].Status)
	}
	if inputs[1].Status != netcode.InputDisconnected {
		t.Errorf("player 1 should be disconnected, got %d", inputs[1].Status)
	}
	if inputs[1].Frame != NULL_FRAME {
		t.Errorf("disconnected input should carry the null frame, got %d", inputs[1].Frame)
	}
	for _, b := range inputs[1].Bits {
		if b != 0 {
			t.Fatal("disconnected input should be zeroed")
		}
	}
}

func TestRollbackBookkeeping(t *testing.T) {
	s := newTestSync(2)
	status := connectedStatus(2, NULL_FRAME)

	// local player 0 advances five frames, remote player 1 is predicted
	// from its single frame-0 input
	s.AddRemoteInput(1, makeInput(0, 1))
	status[1].LastFrame = 0
	for i := int64(0); i < 5; i++ {
		input := makeInput(i, byte(10+i))
		if _, err := s.AddLocalInput(0, input); err != nil {
			t.Fatal(err)
		}
		status[0].LastFrame = i
		s.SynchronizedInputs(status)
		s.IncrementFrame()
	}

	// the remote's frame 1 arrives with a different payload
	s.AddRemoteInput(1, makeInput(1, 3))
	status[1].LastFrame = 1

	firstIncorrect := s.CheckSimulationConsistency(NULL_FRAME)
	if firstIncorrect != 1 {
		t.Fatalf("expected first incorrect frame 1, got %d", firstIncorrect)
	}

	s.ResetPrediction(1)
	if got := s.CheckSimulationConsistency(NULL_FRAME); got != NULL_FRAME {
		t.Fatalf("expected no incorrect frame after reset, got %d", got)
	}

	// after the reset, resimulating frame 1 uses the authoritative payload
	s.FrameCount = 1
	inputs := s.SynchronizedInputs(status)
	if inputs[1].Status != netcode.InputConfirmed || inputs[1].Bits[0] != 3 {
		t.Fatalf("resimulation should see the authoritative input, got status %d bits %d", inputs[1].Status, inputs[1].Bits[0])
	}
}

func TestSetLastConfirmedFrameDiscards(t *testing.T) {
	s := newTestSync(1)
	status := connectedStatus(1, NULL_FRAME)

	for i := int64(0); i < 10; i++ {
		if _, err := s.AddLocalInput(0, makeInput(i, byte(i))); err != nil {
			t.Fatal(err)
		}
		status[0].LastFrame = i
		s.SynchronizedInputs(status)
		s.IncrementFrame()
		s.SetLastConfirmedFrame(i, false)
	}

	if s.LastConfirmedFrame != 9 {
		t.Fatalf("expected last confirmed frame 9, got %d", s.LastConfirmedFrame)
	}
	if s.InputQueues[0].Length > 3 {
		t.Fatalf("confirmed frames were not discarded, queue still holds %d inputs", s.InputQueues[0].Length)
	}
}

func TestSparseSavingCapsConfirmedFrame(t *testing.T) {
	s := newTestSync(1)
	status := connectedStatus(1, NULL_FRAME)

	s.SaveCurrentFrame() // last saved frame 0
	for i := int64(0); i < 5; i++ {
		if _, err := s.AddLocalInput(0, makeInput(i, byte(i))); err != nil {
			t.Fatal(err)
		}
		status[0].LastFrame = i
		s.SynchronizedInputs(status)
		s.IncrementFrame()
	}

	s.SetLastConfirmedFrame(4, true)
	if s.LastConfirmedFrame != 0 {
		t.Fatalf("sparse saving should cap the confirmed frame at the last save, got %d", s.LastConfirmedFrame)
	}
}
