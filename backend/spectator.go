package backend

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/lib"
	"github.com/piepacker/rollnet/netcode"
	"github.com/piepacker/rollnet/network"
	"github.com/piepacker/rollnet/platform"
)

// SPECTATOR_BUFFER_SIZE is how many frames of merged confirmed inputs a
// spectator can buffer, about a second's worth.
const SPECTATOR_BUFFER_SIZE = 60

// SpectatorSession passively consumes the stream of confirmed inputs one
// host broadcasts. It never predicts and never saves or loads state; when
// it falls behind it advances several frames per tick to catch up.
type SpectatorSession struct {
	NumPlayers int64
	InputSize  int64
	State      netcode.SessionState

	Socket network.NonBlockingSocket
	Host   *network.Endpoint

	HostConnectStatus []netcode.ConnectStatus
	Inputs            []lib.GameInput

	CurrentFrame  int64
	LastRecvFrame int64

	MaxFramesBehind int64
	CatchupSpeed    int64

	eventQueue []netcode.Event
}

func (s *SpectatorSession) Init(numPlayers int64, inputSize int64, socket network.NonBlockingSocket, hostAddr string, maxFramesBehind int64, catchupSpeed int64) {
	s.NumPlayers = numPlayers
	s.InputSize = inputSize
	s.State = netcode.Initializing
	s.Socket = socket
	s.MaxFramesBehind = maxFramesBehind
	s.CatchupSpeed = catchupSpeed
	s.CurrentFrame = lib.NULL_FRAME
	s.LastRecvFrame = lib.NULL_FRAME

	s.HostConnectStatus = make([]netcode.ConnectStatus, numPlayers)
	for i := range s.HostConnectStatus {
		s.HostConnectStatus[i].LastFrame = lib.NULL_FRAME
	}

	s.Inputs = make([]lib.GameInput, SPECTATOR_BUFFER_SIZE)
	for i := range s.Inputs {
		s.Inputs[i].Init(lib.NULL_FRAME, nil, inputSize*numPlayers)
	}

	// the host streams the merged inputs of all players over one endpoint
	s.Host = new(network.Endpoint)
	s.Host.Init(hostAddr, 0, []netcode.PlayerHandle{0}, inputSize*numPlayers, numPlayers, netcode.DEFAULT_MAX_PREDICTION_FRAMES, netcode.DEFAULT_FPS)
	s.Host.DisconnectTimeout = netcode.DEFAULT_DISCONNECT_TIMEOUT
	s.Host.DisconnectNotifyStart = netcode.DEFAULT_DISCONNECT_NOTIFY_START
}

// StartSession begins synchronizing with the host.
func (s *SpectatorSession) StartSession() error {
	if s.State != netcode.Initializing {
		return netcode.InvalidRequestError{Info: "session already started"}
	}
	s.State = netcode.Synchronizing
	s.Host.Synchronize(platform.GetCurrentTimeMS())
	return nil
}

// AdvanceFrame returns advance requests for up to CatchupSpeed frames,
// depending on how far behind the host this spectator runs. Spectators
// never receive save or load requests.
func (s *SpectatorSession) AdvanceFrame() ([]netcode.Request, error) {
	s.PollRemoteClients()

	if s.State != netcode.Running {
		return nil, netcode.ErrNotSynchronized
	}

	framesToAdvance := int64(1)
	if s.FramesBehindHost() > s.MaxFramesBehind {
		framesToAdvance = s.CatchupSpeed
	}

	var requests []netcode.Request
	for i := int64(0); i < framesToAdvance; i++ {
		frameToGrab := s.CurrentFrame + 1
		merged := &s.Inputs[frameToGrab%SPECTATOR_BUFFER_SIZE]

		if merged.Frame < frameToGrab {
			// the host's input has not arrived yet
			if i == 0 {
				return nil, netcode.ErrPredictionThreshold
			}
			break
		}
		if merged.Frame > frameToGrab {
			// the ring already wrapped past the frame we need
			return nil, netcode.ErrSpectatorTooFarBehind
		}

		inputs := make([]netcode.SessionInput, 0, s.NumPlayers)
		for player := int64(0); player < s.NumPlayers; player++ {
			entry := netcode.SessionInput{
				Frame:  frameToGrab,
				Size:   s.InputSize,
				Bits:   merged.Bits[player*s.InputSize : (player+1)*s.InputSize],
				Status: netcode.InputConfirmed,
			}
			if s.HostConnectStatus[player].Disconnected && s.HostConnectStatus[player].LastFrame < frameToGrab {
				entry.Frame = lib.NULL_FRAME
				entry.Status = netcode.InputDisconnected
			}
			inputs = append(inputs, entry)
		}

		requests = append(requests, netcode.Request{Type: netcode.RequestAdvanceFrame, Inputs: inputs})
		s.CurrentFrame++
	}

	return requests, nil
}

// PollRemoteClients receives packets from the host, handles protocol timers
// and flushes outgoing messages.
func (s *SpectatorSession) PollRemoteClients() {
	now := platform.GetCurrentTimeMS()

	for _, datagram := range s.Socket.ReceiveAll() {
		msg, err := network.DecodeMsg(datagram.Data)
		if err != nil {
			logrus.Info(fmt.Sprintf("dropping malformed packet from %s.", datagram.Addr))
			continue
		}
		if s.Host.HandlesMsg(datagram.Addr) {
			s.Host.OnMsg(msg, now)
		}
	}

	for _, evt := range s.Host.Poll(s.HostConnectStatus, now) {
		s.handleEvent(evt)
	}

	s.Host.SendAllMessages(s.Socket, now)
}

// FramesBehindHost is the distance between the last received confirmed
// frame and the frame this spectator rendered.
func (s *SpectatorSession) FramesBehindHost() int64 {
	if s.LastRecvFrame == lib.NULL_FRAME {
		return 0
	}
	return s.LastRecvFrame - s.CurrentFrame
}

func (s *SpectatorSession) handleEvent(evt network.Event) {
	switch evt.Type {
	case network.EventSynchronizing:
		s.queueEvent(netcode.Event{
			Code:  netcode.EVENTCODE_SYNCHRONIZING_WITH_PEER,
			Count: evt.Count,
			Total: evt.Total,
		})

	case network.EventSynchronized:
		s.State = netcode.Running
		s.queueEvent(netcode.Event{Code: netcode.EVENTCODE_SYNCHRONIZED_WITH_PEER})
		s.queueEvent(netcode.Event{Code: netcode.EVENTCODE_RUNNING})

	case network.EventNetworkInterrupted:
		s.queueEvent(netcode.Event{
			Code:              netcode.EVENTCODE_CONNECTION_INTERRUPTED,
			DisconnectTimeout: evt.DisconnectTimeout,
		})

	case network.EventNetworkResumed:
		s.queueEvent(netcode.Event{Code: netcode.EVENTCODE_CONNECTION_RESUMED})

	case network.EventDisconnected:
		s.queueEvent(netcode.Event{Code: netcode.EVENTCODE_DISCONNECTED_FROM_PEER})

	case network.EventInput:
		if evt.Input.Frame <= s.LastRecvFrame {
			return
		}
		if s.LastRecvFrame == lib.NULL_FRAME {
			// joined mid-game: start rendering where the stream begins
			s.CurrentFrame = evt.Input.Frame - 1
		}
		s.Inputs[evt.Input.Frame%SPECTATOR_BUFFER_SIZE] = evt.Input
		s.LastRecvFrame = evt.Input.Frame

		s.Host.SetLocalFrameNumber(evt.Input.Frame)
		for i := int64(0); i < s.NumPlayers; i++ {
			s.HostConnectStatus[i] = s.Host.GetPeerConnectStatus(i)
		}
	}

	if len(s.eventQueue) > MAX_EVENT_QUEUE_SIZE {
		s.eventQueue = s.eventQueue[len(s.eventQueue)-MAX_EVENT_QUEUE_SIZE:]
	}
}

func (s *SpectatorSession) queueEvent(evt netcode.Event) {
	s.eventQueue = append(s.eventQueue, evt)
}

// Events returns all events since the last call.
func (s *SpectatorSession) Events() []netcode.Event {
	events := s.eventQueue
	s.eventQueue = nil
	return events
}

// NetworkStats reports connection quality towards the host.
func (s *SpectatorSession) NetworkStats() (netcode.NetworkStats, error) {
	if !s.Host.IsSynchronized() {
		return netcode.NetworkStats{}, netcode.ErrNotSynchronized
	}
	return s.Host.GetNetworkStats(), nil
}

func (s *SpectatorSession) CurrentState() netcode.SessionState {
	return s.State
}

func (s *SpectatorSession) CurrentFrameNumber() int64 {
	return s.CurrentFrame
}
