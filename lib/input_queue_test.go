package lib

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/netcode"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

func makeInput(frame int64, value byte) *GameInput {
	input := new(GameInput)
	input.Init(frame, []byte{value, value, value, value}, 4)
	return input
}

func TestAddInputSequentially(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)

	for i := int64(0); i < 10; i++ {
		effective := queue.AddInput(makeInput(i, byte(i)))
		if effective != i {
			t.Fatalf("frame %d: expected effective frame %d, got %d", i, i, effective)
		}
		if queue.GetLastConfirmedFrame() != i {
			t.Fatalf("frame %d: last added frame is %d", i, queue.GetLastConfirmedFrame())
		}
		if queue.Length != i+1 {
			t.Fatalf("frame %d: length is %d", i, queue.Length)
		}
	}
}

func TestGetInputReturnsConfirmed(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)

	for i := int64(0); i < 10; i++ {
		queue.AddInput(makeInput(i, byte(i)))

		var out GameInput
		status := queue.GetInput(i, &out)
		if status != netcode.InputConfirmed {
			t.Fatalf("frame %d: expected confirmed input, got status %d", i, status)
		}
		if out.Frame != i || out.Bits[0] != byte(i) {
			t.Fatalf("frame %d: wrong input returned (frame %d, bits[0] %d)", i, out.Frame, out.Bits[0])
		}
	}
}

func TestNonContiguousInsertPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on non-contiguous insertion")
		}
	}()

	var queue InputQueue
	queue.Init(0, 4)
	queue.AddInput(makeInput(0, 0))
	queue.AddInput(makeInput(3, 3))
}

func TestDelayedInputs(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)
	delay := int64(2)
	queue.SetFrameDelay(delay)

	for i := int64(0); i < 10; i++ {
		effective := queue.AddInput(makeInput(i, byte(i)))
		if effective != i+delay {
			t.Fatalf("frame %d: expected effective frame %d, got %d", i, i+delay, effective)
		}
		if queue.GetLastConfirmedFrame() != i+delay {
			t.Fatalf("frame %d: last added frame is %d", i, queue.GetLastConfirmedFrame())
		}

		var out GameInput
		status := queue.GetInput(i+delay, &out)
		if status != netcode.InputConfirmed {
			t.Fatalf("frame %d: expected confirmed input", i)
		}
		if out.Bits[0] != byte(i) {
			t.Fatalf("frame %d: delayed input carries wrong payload %d", i, out.Bits[0])
		}
	}
}

func TestPredictionRepeatsLastInput(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)
	queue.AddInput(makeInput(0, 7))

	var out GameInput
	for frame := int64(1); frame < 5; frame++ {
		status := queue.GetInput(frame, &out)
		if status != netcode.InputPredicted {
			t.Fatalf("frame %d: expected a predicted input", frame)
		}
		if out.Frame != frame {
			t.Fatalf("frame %d: prediction reports frame %d", frame, out.Frame)
		}
		if out.Bits[0] != 7 {
			t.Fatalf("frame %d: prediction should repeat the last payload, got %d", frame, out.Bits[0])
		}
	}
}

func TestCorrectPredictionLeavesNoIncorrectFrame(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)
	queue.AddInput(makeInput(0, 7))

	var out GameInput
	queue.GetInput(1, &out)
	queue.GetInput(2, &out)

	// matching authoritative inputs arrive later
	queue.AddInput(makeInput(1, 7))
	queue.AddInput(makeInput(2, 7))

	if queue.GetFirstIncorrectFrame() != NULL_FRAME {
		t.Fatalf("expected no incorrect frame, got %d", queue.GetFirstIncorrectFrame())
	}
	// prediction mode should have ended
	if queue.Prediction.Frame != NULL_FRAME {
		t.Fatalf("expected prediction mode to end, still predicting frame %d", queue.Prediction.Frame)
	}
}

func TestMispredictionIsRecorded(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)
	queue.AddInput(makeInput(0, 7))

	var out GameInput
	queue.GetInput(1, &out)
	queue.GetInput(2, &out)

	// frame 1 matches, frame 2 does not
	queue.AddInput(makeInput(1, 7))
	queue.AddInput(makeInput(2, 9))

	if queue.GetFirstIncorrectFrame() != 2 {
		t.Fatalf("expected first incorrect frame 2, got %d", queue.GetFirstIncorrectFrame())
	}

	// the authoritative payload replaced the prediction in the queue
	queue.ResetPrediction(2)
	status := queue.GetInput(2, &out)
	if status != netcode.InputConfirmed || out.Bits[0] != 9 {
		t.Fatalf("expected confirmed authoritative input after reset, got status %d bits %d", status, out.Bits[0])
	}
	if queue.GetFirstIncorrectFrame() != NULL_FRAME {
		t.Fatal("reset did not clear the incorrect frame")
	}
}

func TestDiscardConfirmedFramesKeepsRequested(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)
	for i := int64(0); i < 20; i++ {
		queue.AddInput(makeInput(i, byte(i)))
	}

	var out GameInput
	queue.GetInput(15, &out)

	// requested frame 15 caps the discard even if we confirm further
	queue.DiscardConfirmedFrames(18)

	status := queue.GetInput(15, &out)
	if status != netcode.InputConfirmed || out.Bits[0] != 15 {
		t.Fatalf("frame 15 should survive the discard, got status %d bits %d", status, out.Bits[0])
	}
}

func TestFrameDelayDropsInputWhenLowered(t *testing.T) {
	var queue InputQueue
	queue.Init(0, 4)
	queue.SetFrameDelay(3)
	queue.AddInput(makeInput(0, 1)) // lands on frame 3

	queue.SetFrameDelay(0)
	effective := queue.AddInput(makeInput(1, 2)) // would land on frame 1, space is taken
	if effective != NULL_FRAME {
		t.Fatalf("expected the input to be dropped, got frame %d", effective)
	}
}
