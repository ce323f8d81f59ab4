package backend

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/lib"
	"github.com/piepacker/rollnet/netcode"
)

// SyncTestSession is an offline harness that hunts for non-determinism in
// the host's simulation. Every frame it forces a rollback of CheckDistance
// frames; once the host has refilled the save cells along the resimulated
// window, their checksums are compared against the ones recorded for the
// original pass. Any difference means the simulation depends on something
// outside the saved state.
type SyncTestSession struct {
	NumPlayers    int64
	InputSize     int64
	CheckDistance int64
	Running       bool

	Sync        lib.Sync
	DummyStatus []netcode.ConnectStatus

	localInputs map[netcode.PlayerHandle]*lib.GameInput

	// first-seen checksums per frame and the frames to re-verify on the
	// next call, once the host has fulfilled the rollback requests
	checksumHistory map[int64]int64
	pendingVerify   []int64
}

func (s *SyncTestSession) Init(numPlayers int64, inputSize int64, checkDistance int64, maxPrediction int64) error {
	if checkDistance < 2 || checkDistance > maxPrediction {
		return netcode.InvalidRequestError{
			Info: fmt.Sprintf("check distance must be between 2 and %d, got %d", maxPrediction, checkDistance),
		}
	}

	s.NumPlayers = numPlayers
	s.InputSize = inputSize
	s.CheckDistance = checkDistance
	s.Running = false
	s.localInputs = make(map[netcode.PlayerHandle]*lib.GameInput)
	s.checksumHistory = make(map[int64]int64)

	s.DummyStatus = make([]netcode.ConnectStatus, numPlayers)
	for i := range s.DummyStatus {
		s.DummyStatus[i].LastFrame = lib.NULL_FRAME
	}

	// the check window itself must never trip the prediction barrier
	s.Sync.Init(lib.Config{
		NumPlayers:    numPlayers,
		InputSize:     inputSize,
		MaxPrediction: netcode.MAX(maxPrediction, checkDistance+1),
	})
	return nil
}

// AddPlayer accepts local players only; a sync test has no remotes.
func (s *SyncTestSession) AddPlayer(player netcode.Player) (netcode.PlayerHandle, error) {
	if player.Type != netcode.PLAYERTYPE_LOCAL {
		return netcode.INVALID_HANDLE, netcode.InvalidRequestError{Info: "sync test sessions only support local players"}
	}
	if player.PlayerNum < 1 || player.PlayerNum > s.NumPlayers {
		return netcode.INVALID_HANDLE, netcode.InvalidRequestError{
			Info: fmt.Sprintf("player number %d out of range 1..%d", player.PlayerNum, s.NumPlayers),
		}
	}
	return netcode.PlayerHandle(player.PlayerNum - 1), nil
}

func (s *SyncTestSession) StartSession() error {
	if s.Running {
		return netcode.InvalidRequestError{Info: "session already started"}
	}
	s.Running = true
	return nil
}

// AddLocalInput stages one player's input for the next advance.
func (s *SyncTestSession) AddLocalInput(handle netcode.PlayerHandle, bits []byte) error {
	if !s.Running {
		return netcode.ErrNotSynchronized
	}
	if int64(handle) < 0 || int64(handle) >= s.NumPlayers {
		return netcode.InvalidRequestError{Info: "invalid player handle"}
	}
	if int64(len(bits)) != s.InputSize {
		return netcode.InvalidRequestError{
			Info: fmt.Sprintf("input payload is %d bytes, the session was built for %d", len(bits), s.InputSize),
		}
	}
	input := new(lib.GameInput)
	input.Init(lib.NULL_FRAME, bits, s.InputSize)
	s.localInputs[handle] = input
	return nil
}

// AdvanceFrame verifies the previous forced rollback, then emits the
// requests for this frame: an optional rollback over the last CheckDistance
// frames, a save and the advance itself.
func (s *SyncTestSession) AdvanceFrame() ([]netcode.Request, error) {
	if !s.Running {
		return nil, netcode.ErrNotSynchronized
	}
	for i := int64(0); i < s.NumPlayers; i++ {
		if _, ok := s.localInputs[netcode.PlayerHandle(i)]; !ok {
			return nil, netcode.InvalidRequestError{
				Info: fmt.Sprintf("no local input staged for player %d this frame", i),
			}
		}
	}

	// compare the cells the host refilled during the previous forced
	// rollback against the recorded originals
	if err := s.verifyPendingFrames(); err != nil {
		return nil, err
	}

	// the cell of the previous frame now holds its first-pass checksum
	if s.Sync.FrameCount > 0 {
		s.recordChecksum(s.Sync.FrameCount - 1)
	}

	var requests []netcode.Request
	currentFrame := s.Sync.FrameCount

	// force a rollback over the last CheckDistance frames
	if currentFrame > s.CheckDistance {
		frameToLoad := currentFrame - s.CheckDistance
		requests = append(requests, s.Sync.LoadFrame(frameToLoad))
		s.Sync.ResetPrediction(frameToLoad)

		s.pendingVerify = s.pendingVerify[:0]
		for s.Sync.FrameCount < currentFrame {
			// the loaded cell is read back by the host first; saving it again
			// here would reset it before the load, so only later frames resave
			if s.Sync.FrameCount != frameToLoad {
				requests = append(requests, s.Sync.SaveCurrentFrame())
				s.pendingVerify = append(s.pendingVerify, s.Sync.FrameCount)
			}

			inputs := s.Sync.SynchronizedInputs(s.DummyStatus)
			s.Sync.IncrementFrame()
			requests = append(requests, netcode.Request{Type: netcode.RequestAdvanceFrame, Inputs: inputs})
		}
		if s.Sync.FrameCount != currentFrame {
			logrus.Panic("forced rollback did not arrive back at the current frame")
		}

		// all inputs in a sync test are local, so everything behind the
		// check window counts as confirmed
		s.Sync.SetLastConfirmedFrame(currentFrame-s.CheckDistance, false)
	}

	// feed the staged inputs for the current frame
	for i := int64(0); i < s.NumPlayers; i++ {
		handle := netcode.PlayerHandle(i)
		input := s.localInputs[handle]
		input.Frame = s.Sync.FrameCount
		if _, err := s.Sync.AddLocalInput(int64(handle), input); err != nil {
			return nil, err
		}
	}
	for i := range s.DummyStatus {
		s.DummyStatus[i].LastFrame = s.Sync.FrameCount
	}

	requests = append(requests, s.Sync.SaveCurrentFrame())

	inputs := s.Sync.SynchronizedInputs(s.DummyStatus)
	for _, input := range inputs {
		if input.Frame != s.Sync.FrameCount {
			logrus.Panic("synchronized input does not belong to the current frame")
		}
	}

	s.Sync.IncrementFrame()
	requests = append(requests, netcode.Request{Type: netcode.RequestAdvanceFrame, Inputs: inputs})

	s.localInputs = make(map[netcode.PlayerHandle]*lib.GameInput)
	return requests, nil
}

func (s *SyncTestSession) verifyPendingFrames() error {
	sort.Slice(s.pendingVerify, func(i, j int) bool { return s.pendingVerify[i] < s.pendingVerify[j] })
	for _, frame := range s.pendingVerify {
		cell := s.Sync.GetCell(frame)
		if cell.Frame != frame {
			continue
		}
		original, ok := s.checksumHistory[frame]
		if !ok {
			s.checksumHistory[frame] = cell.Checksum()
			continue
		}
		if original != cell.Checksum() {
			logrus.Error(fmt.Sprintf("checksum for frame %d does not match original (%d != %d)", frame, cell.Checksum(), original))
			s.pendingVerify = nil
			return netcode.MismatchedChecksumError{Frame: frame}
		}
	}
	s.pendingVerify = nil

	// keep the history from growing with the session
	oldest := s.Sync.FrameCount - 2*s.CheckDistance
	for frame := range s.checksumHistory {
		if frame < oldest {
			delete(s.checksumHistory, frame)
		}
	}
	return nil
}

func (s *SyncTestSession) recordChecksum(frame int64) {
	cell := s.Sync.GetCell(frame)
	if cell.Frame != frame {
		return
	}
	if _, ok := s.checksumHistory[frame]; !ok {
		s.checksumHistory[frame] = cell.Checksum()
	}
}

func (s *SyncTestSession) CurrentState() netcode.SessionState {
	if s.Running {
		return netcode.Running
	}
	return netcode.Initializing
}

func (s *SyncTestSession) CurrentFrame() int64 {
	return s.Sync.FrameCount
}

// SetFrameDelay shifts a player's inputs the given number of frames into
// the future, like it would in a real session.
func (s *SyncTestSession) SetFrameDelay(handle netcode.PlayerHandle, delay int64) error {
	if int64(handle) < 0 || int64(handle) >= s.NumPlayers {
		return netcode.InvalidRequestError{Info: "invalid player handle"}
	}
	if delay < 0 {
		return netcode.InvalidRequestError{Info: "frame delay cannot be negative"}
	}
	s.Sync.SetFrameDelay(int64(handle), delay)
	return nil
}
