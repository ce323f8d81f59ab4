package lib

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/netcode"
)

// Config carries the per-session parameters of the sync layer.
type Config struct {
	NumPlayers    int64
	InputSize     int64
	MaxPrediction int64
}

// Sync schedules saves, loads and rollbacks over the host's deterministic
// step. It owns the per-player input queues and the ring of game state
// cells, and expresses all host work as netcode requests.
type Sync struct {
	Config             Config
	Rollingback        bool
	LastConfirmedFrame int64
	LastSavedFrame     int64
	FrameCount         int64
	InputQueues        []InputQueue
	Cells              []*netcode.GameStateCell

	// canonical byte view of the inputs advanced since the last save, used
	// as the fallback checksum when the host skips the save payload
	pendingInputBytes []byte
}

func (s *Sync) Init(config Config) {
	s.Config = config
	s.FrameCount = 0
	s.Rollingback = false
	s.LastConfirmedFrame = NULL_FRAME
	s.LastSavedFrame = NULL_FRAME
	s.pendingInputBytes = nil

	// two cells more than the prediction window: one for the frame being
	// saved and one to still allow a full-distance rollback
	s.Cells = make([]*netcode.GameStateCell, config.MaxPrediction+2)
	for i := range s.Cells {
		s.Cells[i] = &netcode.GameStateCell{Frame: NULL_FRAME}
	}

	s.InputQueues = make([]InputQueue, config.NumPlayers)
	for i := range s.InputQueues {
		s.InputQueues[i].Init(int64(i), config.InputSize)
	}
}

func (s *Sync) SetFrameDelay(queue int64, delay int64) {
	s.InputQueues[queue].SetFrameDelay(delay)
}

// GetCell returns the save-ring slot for the given frame.
func (s *Sync) GetCell(frame int64) *netcode.GameStateCell {
	if frame < 0 {
		logrus.Panic("requesting a cell for a negative frame")
	}
	return s.Cells[frame%int64(len(s.Cells))]
}

// SaveCurrentFrame emits a save request for the current frame and primes
// the target cell with the input-derived fallback checksum.
func (s *Sync) SaveCurrentFrame() netcode.Request {
	cell := s.GetCell(s.FrameCount)
	cell.Reset(s.FrameCount, int64(netcode.Fletcher16(s.pendingInputBytes)))
	s.pendingInputBytes = nil
	s.LastSavedFrame = s.FrameCount

	logrus.Info(fmt.Sprintf("requesting save of frame %d.", s.FrameCount))
	return netcode.Request{Type: netcode.RequestSaveGameState, Cell: cell, Frame: s.FrameCount}
}

// LoadFrame emits a load request for the given frame and rewinds the
// current frame counter. Loading a frame whose cell has been overwritten is
// unrecoverable: the session cannot roll back further than it saved.
func (s *Sync) LoadFrame(frame int64) netcode.Request {
	if frame == NULL_FRAME || frame >= s.FrameCount {
		logrus.Panic(fmt.Sprintf("cannot load frame %d while at frame %d", frame, s.FrameCount))
	}
	cell := s.GetCell(frame)
	if cell.Frame != frame {
		logrus.Panic(fmt.Sprintf("rollback target %d is older than the oldest saved cell (cell holds %d)", frame, cell.Frame))
	}

	logrus.Info(fmt.Sprintf("requesting load of frame %d (checksum: %08x).", frame, cell.Checksum()))
	s.FrameCount = frame
	s.pendingInputBytes = nil
	return netcode.Request{Type: netcode.RequestLoadGameState, Cell: cell, Frame: frame}
}

// IncrementFrame moves the simulation forward by one frame.
func (s *Sync) IncrementFrame() {
	s.FrameCount++
}

// AddLocalInput feeds a local input for the current frame into the given
// queue. Fails with ErrPredictionThreshold while too many unconfirmed
// frames are in flight.
func (s *Sync) AddLocalInput(queue int64, input *GameInput) (int64, error) {
	framesBehind := s.FrameCount - s.LastConfirmedFrame
	if s.FrameCount >= s.Config.MaxPrediction && framesBehind >= s.Config.MaxPrediction {
		logrus.Info("rejecting local input: reached prediction barrier.")
		return NULL_FRAME, netcode.ErrPredictionThreshold
	}

	if input.Frame != s.FrameCount {
		logrus.Panic(fmt.Sprintf("local input for frame %d while at frame %d", input.Frame, s.FrameCount))
	}
	return s.InputQueues[queue].AddInput(input), nil
}

// AddRemoteInput feeds an authoritative remote input into the given queue.
// Remote inputs were already validated on the sending side.
func (s *Sync) AddRemoteInput(queue int64, input *GameInput) {
	s.InputQueues[queue].AddInput(input)
}

// SynchronizedInputs returns one input per player for the current frame,
// tagged confirmed, predicted or disconnected.
func (s *Sync) SynchronizedInputs(connectStatus []netcode.ConnectStatus) []netcode.SessionInput {
	inputs := make([]netcode.SessionInput, 0, s.Config.NumPlayers)
	for i := int64(0); i < s.Config.NumPlayers; i++ {
		var entry netcode.SessionInput
		if connectStatus[i].Disconnected && connectStatus[i].LastFrame < s.FrameCount {
			entry = netcode.SessionInput{
				Frame:  NULL_FRAME,
				Size:   s.Config.InputSize,
				Bits:   make([]byte, s.Config.InputSize),
				Status: netcode.InputDisconnected,
			}
		} else {
			var input GameInput
			status := s.InputQueues[i].GetInput(s.FrameCount, &input)
			entry = netcode.SessionInput{
				Frame:  input.Frame,
				Size:   input.Size,
				Bits:   input.Bits,
				Status: status,
			}
		}
		s.pendingInputBytes = append(s.pendingInputBytes, entry.Bits...)
		inputs = append(inputs, entry)
	}
	return inputs
}

// ConfirmedInputs returns authoritative inputs for all players at the given
// frame, for forwarding to spectators. Disconnected players past their last
// frame yield zeroed NULL_FRAME inputs.
func (s *Sync) ConfirmedInputs(frame int64, connectStatus []netcode.ConnectStatus) []GameInput {
	inputs := make([]GameInput, 0, s.Config.NumPlayers)
	for i := int64(0); i < s.Config.NumPlayers; i++ {
		var input GameInput
		if connectStatus[i].Disconnected && frame > connectStatus[i].LastFrame {
			input.Init(NULL_FRAME, nil, s.Config.InputSize)
		} else if !s.InputQueues[i].GetConfirmedInput(frame, &input) {
			logrus.Panic(fmt.Sprintf("no confirmed input for player %d at frame %d", i, frame))
		}
		inputs = append(inputs, input)
	}
	return inputs
}

// SetLastConfirmedFrame raises the confirmed frame and discards inputs that
// can no longer take part in a rollback. With sparse saving the confirmed
// frame never overtakes the last saved frame, its cell is the rollback
// anchor.
func (s *Sync) SetLastConfirmedFrame(frame int64, sparseSaving bool) {
	firstIncorrect := int64(NULL_FRAME)
	for i := range s.InputQueues {
		firstIncorrect = netcode.MAX(firstIncorrect, s.InputQueues[i].GetFirstIncorrectFrame())
	}

	if sparseSaving {
		frame = netcode.MIN(frame, s.LastSavedFrame)
	}

	if firstIncorrect != NULL_FRAME && firstIncorrect < frame {
		logrus.Panic("confirming a frame past a pending prediction error would discard inputs still needed for rollback")
	}

	s.LastConfirmedFrame = frame
	if s.LastConfirmedFrame > 0 {
		for i := range s.InputQueues {
			s.InputQueues[i].DiscardConfirmedFrames(frame - 1)
		}
	}
}

// CheckSimulationConsistency returns the earliest frame any input queue
// flagged as mispredicted, seeded with an externally forced rollback frame
// (NULL_FRAME if none).
func (s *Sync) CheckSimulationConsistency(firstIncorrect int64) int64 {
	for i := range s.InputQueues {
		incorrect := s.InputQueues[i].GetFirstIncorrectFrame()
		if incorrect != NULL_FRAME && (firstIncorrect == NULL_FRAME || incorrect < firstIncorrect) {
			firstIncorrect = incorrect
		}
	}
	return firstIncorrect
}

func (s *Sync) ResetPrediction(frame int64) {
	for i := range s.InputQueues {
		s.InputQueues[i].ResetPrediction(frame)
	}
}
