package lib

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/netcode"
)

// INPUT_QUEUE_LENGTH is the number of inputs held per player. It must cover
// the prediction window plus the maximum frame delay with room to spare.
const INPUT_QUEUE_LENGTH = 128

func PREVIOUS_FRAME(offset int64) int64 {
	if offset == 0 {
		return INPUT_QUEUE_LENGTH - 1
	}
	return offset - 1
}

// InputQueue holds the inputs of a single player in a circular buffer and
// synthesizes predictions when asked for frames it does not have yet.
type InputQueue struct {
	ID                  int64
	Head                int64
	Tail                int64
	Length              int64
	FirstFrame          bool
	LastUserAddedFrame  int64
	LastAddedFrame      int64
	FirstIncorrectFrame int64
	LastRequestedFrame  int64
	FrameDelay          int64
	Inputs              []GameInput
	Prediction          GameInput
}

func (q *InputQueue) Init(id int64, inputSize int64) {
	q.ID = id
	q.Head = 0
	q.Tail = 0
	q.Length = 0
	q.FrameDelay = 0
	q.FirstFrame = true
	q.LastUserAddedFrame = NULL_FRAME
	q.LastAddedFrame = NULL_FRAME
	q.FirstIncorrectFrame = NULL_FRAME
	q.LastRequestedFrame = NULL_FRAME

	q.Prediction.Init(NULL_FRAME, nil, inputSize)

	q.Inputs = make([]GameInput, INPUT_QUEUE_LENGTH)
	for i := range q.Inputs {
		q.Inputs[i].Init(NULL_FRAME, nil, inputSize)
	}
}

func (q *InputQueue) GetLastConfirmedFrame() int64 {
	return q.LastAddedFrame
}

func (q *InputQueue) GetFirstIncorrectFrame() int64 {
	return q.FirstIncorrectFrame
}

func (q *InputQueue) SetFrameDelay(delay int64) {
	q.FrameDelay = delay
}

// DiscardConfirmedFrames frees queue space up to the given frame. Frames at
// or after the last requested frame are always kept, we may still need them
// for a rollback.
func (q *InputQueue) DiscardConfirmedFrames(frame int64) {
	if frame < 0 {
		logrus.Panic("discarding confirmed frames with negative frame")
	}
	if q.Length == 0 {
		return
	}

	if q.LastRequestedFrame != NULL_FRAME {
		frame = netcode.MIN(frame, q.LastRequestedFrame)
	}

	logrus.Info(fmt.Sprintf("discarding confirmed frames up to %d (last_added:%d length:%d [head:%d tail:%d]).",
		frame, q.LastAddedFrame, q.Length, q.Head, q.Tail))

	if frame >= q.LastAddedFrame {
		// drop everything but the most recent input
		q.Tail = PREVIOUS_FRAME(q.Head)
		q.Length = 1
	} else if frame <= q.Inputs[q.Tail].Frame {
		// nothing to do
	} else {
		offset := frame - q.Inputs[q.Tail].Frame
		q.Tail = (q.Tail + offset) % INPUT_QUEUE_LENGTH
		q.Length -= offset
	}

	if q.Length < 0 {
		logrus.Panic("input queue length went negative after discard")
	}
}

// ResetPrediction clears all prediction bookkeeping at or after the given
// frame. Called once a rollback has brought the simulation back in line.
func (q *InputQueue) ResetPrediction(frame int64) {
	if q.FirstIncorrectFrame != NULL_FRAME && frame > q.FirstIncorrectFrame {
		logrus.Panic(fmt.Sprintf("resetting prediction past the first incorrect frame (%d > %d)", frame, q.FirstIncorrectFrame))
	}

	q.Prediction.Frame = NULL_FRAME
	q.FirstIncorrectFrame = NULL_FRAME
	q.LastRequestedFrame = NULL_FRAME
}

// GetConfirmedInput fetches an authoritative input. The caller must know the
// frame is confirmed; asking for anything else is a bug.
func (q *InputQueue) GetConfirmedInput(requestedFrame int64, input *GameInput) bool {
	if q.FirstIncorrectFrame != NULL_FRAME && requestedFrame >= q.FirstIncorrectFrame {
		logrus.Panic("requesting a confirmed input at or past a known incorrect frame")
	}
	offset := requestedFrame % INPUT_QUEUE_LENGTH
	if q.Inputs[offset].Frame != requestedFrame {
		return false
	}
	*input = q.Inputs[offset].Clone()
	return true
}

// GetInput returns the input for the requested frame, predicting when the
// frame is past the confirmed range. Predictions repeat the payload of the
// last authoritative input with the requested frame number.
func (q *InputQueue) GetInput(requestedFrame int64, input *GameInput) netcode.InputStatus {
	if q.FirstIncorrectFrame != NULL_FRAME {
		logrus.Panic("no one should fetch inputs while a prediction error is pending")
	}

	// Remember the last requested frame; AddInput uses it to drop out of
	// prediction mode and DiscardConfirmedFrames to cap the discard.
	q.LastRequestedFrame = requestedFrame

	if requestedFrame < q.Inputs[q.Tail].Frame {
		logrus.Panic(fmt.Sprintf("requested frame %d older than queue tail %d", requestedFrame, q.Inputs[q.Tail].Frame))
	}

	if q.Prediction.Frame == NULL_FRAME {
		// If the requested frame is in range, hand it out confirmed.
		offset := requestedFrame - q.Inputs[q.Tail].Frame
		if offset < q.Length {
			offset = (offset + q.Tail) % INPUT_QUEUE_LENGTH
			if q.Inputs[offset].Frame != requestedFrame {
				logrus.Panic("queue entry frame does not match requested frame")
			}
			*input = q.Inputs[offset].Clone()
			return netcode.InputConfirmed
		}

		// The frame is not in the queue, start predicting. Predict that the
		// player keeps doing whatever they did last.
		if requestedFrame == 0 || q.LastAddedFrame == NULL_FRAME {
			logrus.Info(fmt.Sprintf("queue %d: basing new prediction frame from nothing.", q.ID))
			q.Prediction.Erase()
		} else {
			q.Prediction = q.Inputs[PREVIOUS_FRAME(q.Head)].Clone()
		}
		q.Prediction.Frame++
	}

	if q.Prediction.Frame < 0 {
		logrus.Panic("prediction frame went negative")
	}

	*input = q.Prediction.Clone()
	input.Frame = requestedFrame
	return netcode.InputPredicted
}

// AddInput appends the next sequential input, applying the configured frame
// delay, and returns the effective frame the input landed on (NULL_FRAME if
// it was dropped because the delay shrank).
func (q *InputQueue) AddInput(input *GameInput) int64 {
	logrus.Info(fmt.Sprintf("adding input frame number %d to queue %d.", input.Frame, q.ID))

	// Inputs must arrive sequentially regardless of frame delay.
	if q.LastUserAddedFrame != NULL_FRAME && input.Frame != q.LastUserAddedFrame+1 {
		logrus.Panic(fmt.Sprintf("non-contiguous input insertion: got frame %d after %d", input.Frame, q.LastUserAddedFrame))
	}
	q.LastUserAddedFrame = input.Frame

	newFrame := q.advanceQueueHead(input.Frame)
	if newFrame != NULL_FRAME {
		q.addDelayedInputToQueue(input, newFrame)
	}
	return newFrame
}

func (q *InputQueue) addDelayedInputToQueue(input *GameInput, frameNumber int64) {
	if input.Size != q.Prediction.Size {
		logrus.Panic("input size does not match the queue's input size")
	}
	if q.LastAddedFrame != NULL_FRAME && frameNumber != q.LastAddedFrame+1 {
		logrus.Panic("delayed input does not extend the queue contiguously")
	}
	if frameNumber != 0 && q.Inputs[PREVIOUS_FRAME(q.Head)].Frame != frameNumber-1 {
		logrus.Panic("queue head does not precede the delayed input")
	}

	q.Inputs[q.Head] = input.Clone()
	q.Inputs[q.Head].Frame = frameNumber
	q.Head = (q.Head + 1) % INPUT_QUEUE_LENGTH
	q.Length++
	if q.Length > INPUT_QUEUE_LENGTH {
		logrus.Panic("input queue overflow")
	}
	q.FirstFrame = false
	q.LastAddedFrame = frameNumber

	if q.Prediction.Frame != NULL_FRAME {
		if frameNumber != q.Prediction.Frame {
			logrus.Panic("authoritative input does not line up with the running prediction")
		}

		// We have been predicting. Compare the authoritative input to the
		// prediction and remember the earliest disagreement.
		if q.FirstIncorrectFrame == NULL_FRAME && !q.Prediction.Equal(input, true) {
			logrus.Info(fmt.Sprintf("frame %d does not match prediction. marking error.", frameNumber))
			q.FirstIncorrectFrame = frameNumber
		}

		// If this input caught up to the last requested frame with no
		// mispredictions, prediction mode is over. Otherwise keep walking.
		if q.Prediction.Frame == q.LastRequestedFrame && q.FirstIncorrectFrame == NULL_FRAME {
			q.Prediction.Frame = NULL_FRAME
		} else {
			q.Prediction.Frame++
		}
	}
}

func (q *InputQueue) advanceQueueHead(frame int64) int64 {
	expectedFrame := q.Inputs[PREVIOUS_FRAME(q.Head)].Frame + 1
	if q.FirstFrame {
		expectedFrame = 0
	}

	frame += q.FrameDelay

	if expectedFrame > frame {
		// The frame delay shrank since the last insert; there is no room in
		// the sequence for this input. Drop it.
		logrus.Info(fmt.Sprintf("dropping input frame %d (expected next frame to be %d).", frame, expectedFrame))
		return NULL_FRAME
	}

	for expectedFrame < frame {
		// The frame delay grew since the last insert; replicate the last
		// input to fill the gap.
		logrus.Info(fmt.Sprintf("adding padding frame %d to account for change in frame delay.", expectedFrame))
		lastFrame := q.Inputs[PREVIOUS_FRAME(q.Head)]
		q.addDelayedInputToQueue(&lastFrame, expectedFrame)
		expectedFrame++
	}

	if frame != 0 && frame != q.Inputs[PREVIOUS_FRAME(q.Head)].Frame+1 {
		logrus.Panic("queue head advance left a gap")
	}
	return frame
}
