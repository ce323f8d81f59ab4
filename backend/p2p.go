package backend

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/lib"
	"github.com/piepacker/rollnet/netcode"
	"github.com/piepacker/rollnet/network"
	"github.com/piepacker/rollnet/platform"
)

const (
	// RECOMMENDATION_INTERVAL is the minimum number of frames between two
	// WaitRecommendation events.
	RECOMMENDATION_INTERVAL = 40
	MAX_EVENT_QUEUE_SIZE    = 100
	// MAX_CHECKSUM_HISTORY bounds the confirmed-frame checksums kept for
	// desync detection.
	MAX_CHECKSUM_HISTORY = 32
)

// P2PSession coordinates one host's view of a peer-to-peer rollback
// session: it owns the sync layer, one endpoint per remote participant and
// the event queue surfaced to the host.
type P2PSession struct {
	NumPlayers    int64
	InputSize     int64
	MaxPrediction int64
	Fps           int64
	SparseSaving  bool
	State         netcode.SessionState

	Sync   lib.Sync
	Socket network.NonBlockingSocket

	PlayerTypes        map[netcode.PlayerHandle]netcode.PlayerType
	Endpoints          []*network.Endpoint
	Spectators         []*network.Endpoint
	LocalConnectStatus []netcode.ConnectStatus

	DisconnectTimeout     int64
	DisconnectNotifyStart int64

	// a disconnect forces a rollback from this frame so predictions about
	// the gone player are replaced by the disconnected status
	DisconnectFrame int64

	NextSpectatorFrame   int64
	NextRecommendedSleep int64
	LastStallFrame       int64

	DesyncInterval   int64
	LastChecksumSent int64

	localInputs     map[netcode.PlayerHandle]*lib.GameInput
	localChecksums  map[int64]int64
	remoteChecksums map[int64]int64
	eventQueue      []netcode.Event
	nextSpectatorID int64
}

func (p *P2PSession) Init(numPlayers int64, inputSize int64, socket network.NonBlockingSocket) {
	p.NumPlayers = numPlayers
	p.InputSize = inputSize
	p.MaxPrediction = netcode.DEFAULT_MAX_PREDICTION_FRAMES
	p.Fps = netcode.DEFAULT_FPS
	p.State = netcode.Initializing
	p.Socket = socket
	p.DisconnectTimeout = netcode.DEFAULT_DISCONNECT_TIMEOUT
	p.DisconnectNotifyStart = netcode.DEFAULT_DISCONNECT_NOTIFY_START
	p.DisconnectFrame = lib.NULL_FRAME
	p.LastChecksumSent = lib.NULL_FRAME
	p.LastStallFrame = -lib.MIN_FRAME_ADVANTAGE

	p.PlayerTypes = make(map[netcode.PlayerHandle]netcode.PlayerType)
	p.localInputs = make(map[netcode.PlayerHandle]*lib.GameInput)
	p.localChecksums = make(map[int64]int64)
	p.remoteChecksums = make(map[int64]int64)

	p.LocalConnectStatus = make([]netcode.ConnectStatus, numPlayers)
	for i := range p.LocalConnectStatus {
		p.LocalConnectStatus[i].LastFrame = lib.NULL_FRAME
	}

	p.Sync.Init(lib.Config{
		NumPlayers:    numPlayers,
		InputSize:     inputSize,
		MaxPrediction: p.MaxPrediction,
	})
}

// AddPlayer registers a participant. Local and remote players may only be
// added before the session starts; spectators may join at any time. The
// returned handle identifies the participant in all later calls.
func (p *P2PSession) AddPlayer(player netcode.Player) (netcode.PlayerHandle, error) {
	if player.Type == netcode.PLAYERTYPE_SPECTATOR {
		return p.addSpectator(player.Addr)
	}

	if p.State != netcode.Initializing {
		return netcode.INVALID_HANDLE, netcode.InvalidRequestError{
			Info: "session already started, players can only be added before start_session",
		}
	}
	if player.PlayerNum < 1 || player.PlayerNum > p.NumPlayers {
		return netcode.INVALID_HANDLE, netcode.InvalidRequestError{
			Info: fmt.Sprintf("player number %d out of range 1..%d", player.PlayerNum, p.NumPlayers),
		}
	}

	handle := netcode.PlayerHandle(player.PlayerNum - 1)
	if _, taken := p.PlayerTypes[handle]; taken {
		return netcode.INVALID_HANDLE, netcode.InvalidRequestError{Info: "player handle already in use"}
	}
	p.PlayerTypes[handle] = player.Type

	if player.Type == netcode.PLAYERTYPE_REMOTE {
		// one endpoint per remote address; a second player behind the same
		// address just widens its input batch
		for _, ep := range p.Endpoints {
			if ep.RemoteAddr == player.Addr {
				ep.Handles = append(ep.Handles, handle)
				sort.Slice(ep.Handles, func(i, j int) bool { return ep.Handles[i] < ep.Handles[j] })
				ep.Init(player.Addr, ep.Queue, ep.Handles, p.InputSize, p.NumPlayers, p.MaxPrediction, p.Fps)
				return handle, nil
			}
		}
		ep := new(network.Endpoint)
		ep.Init(player.Addr, int64(handle), []netcode.PlayerHandle{handle}, p.InputSize, p.NumPlayers, p.MaxPrediction, p.Fps)
		ep.DisconnectTimeout = p.DisconnectTimeout
		ep.DisconnectNotifyStart = p.DisconnectNotifyStart
		p.Endpoints = append(p.Endpoints, ep)
	}
	return handle, nil
}

func (p *P2PSession) addSpectator(addr string) (netcode.PlayerHandle, error) {
	handle := netcode.PlayerHandle(netcode.SPECTATOR_HANDLE_OFFSET + p.nextSpectatorID)
	p.nextSpectatorID++
	p.PlayerTypes[handle] = netcode.PLAYERTYPE_SPECTATOR

	// spectators receive the merged confirmed inputs of all players
	ep := new(network.Endpoint)
	ep.Init(addr, int64(handle), []netcode.PlayerHandle{handle}, p.InputSize*p.NumPlayers, p.NumPlayers, p.MaxPrediction, p.Fps)
	ep.DisconnectTimeout = p.DisconnectTimeout
	ep.DisconnectNotifyStart = p.DisconnectNotifyStart

	if len(p.Spectators) == 0 {
		// a spectator arriving mid-game picks up the stream at the
		// current confirmed frame, not at frame 0
		p.NextSpectatorFrame = netcode.MAX(p.NextSpectatorFrame, p.Sync.LastConfirmedFrame)
	}
	p.Spectators = append(p.Spectators, ep)

	if p.State != netcode.Initializing {
		ep.Synchronize(platform.GetCurrentTimeMS())
	}
	return handle, nil
}

// StartSession begins synchronizing with all remote participants. Every
// declared player slot must be filled and at least one must be local.
func (p *P2PSession) StartSession() error {
	if p.State != netcode.Initializing {
		return netcode.InvalidRequestError{Info: "session already started"}
	}

	locals := int64(0)
	for i := int64(0); i < p.NumPlayers; i++ {
		t, ok := p.PlayerTypes[netcode.PlayerHandle(i)]
		if !ok {
			return netcode.InvalidRequestError{
				Info: "not enough players added, keep registering players up to the declared player count",
			}
		}
		if t == netcode.PLAYERTYPE_LOCAL {
			locals++
		}
	}
	if locals < 1 {
		return netcode.InvalidRequestError{Info: "a session needs at least one local player"}
	}

	p.State = netcode.Synchronizing
	now := platform.GetCurrentTimeMS()
	for _, ep := range p.Endpoints {
		ep.Synchronize(now)
	}
	for _, ep := range p.Spectators {
		ep.Synchronize(now)
	}
	p.checkInitialSync()
	return nil
}

// AddLocalInput stages the input of one local player for the next frame
// advance. Every local player must be staged before AdvanceFrame succeeds.
func (p *P2PSession) AddLocalInput(handle netcode.PlayerHandle, bits []byte) error {
	if p.State != netcode.Running {
		return netcode.ErrNotSynchronized
	}
	if p.PlayerTypes[handle] != netcode.PLAYERTYPE_LOCAL {
		return netcode.InvalidRequestError{Info: "local input can only be added for local players"}
	}
	if int64(len(bits)) != p.InputSize {
		return netcode.InvalidRequestError{
			Info: fmt.Sprintf("input payload is %d bytes, the session was built for %d", len(bits), p.InputSize),
		}
	}

	input := new(lib.GameInput)
	input.Init(lib.NULL_FRAME, bits, p.InputSize)
	p.localInputs[handle] = input
	return nil
}

// AdvanceFrame produces the ordered request list for one frame step:
// possibly a rollback (load + resimulate), then the save and advance of the
// current frame. The host must fulfill every request before calling back.
func (p *P2PSession) AdvanceFrame() ([]netcode.Request, error) {
	p.PollRemoteClients()

	if p.State != netcode.Running {
		return nil, netcode.ErrNotSynchronized
	}

	for i := int64(0); i < p.NumPlayers; i++ {
		handle := netcode.PlayerHandle(i)
		if p.PlayerTypes[handle] != netcode.PLAYERTYPE_LOCAL {
			continue
		}
		if _, ok := p.localInputs[handle]; !ok {
			return nil, netcode.InvalidRequestError{
				Info: fmt.Sprintf("no local input staged for player %d this frame", handle),
			}
		}
	}

	now := platform.GetCurrentTimeMS()
	var requests []netcode.Request

	if p.Sync.FrameCount == 0 {
		requests = append(requests, p.Sync.SaveCurrentFrame())
	}

	// find the total minimum confirmed frame and propagate disconnects
	minConfirmed := p.minConfirmedFrame(now)

	// the caller has to wait for remote inputs before we pile up more
	// predicted frames than we could ever roll back
	if p.Sync.FrameCount >= p.MaxPrediction && p.Sync.FrameCount-minConfirmed >= p.MaxPrediction {
		logrus.Info("rejecting frame advance: reached prediction barrier.")
		return nil, netcode.ErrPredictionThreshold
	}

	// check game consistency and roll back if necessary; a disconnect may
	// also have forced a rollback frame
	firstIncorrect := p.Sync.CheckSimulationConsistency(p.DisconnectFrame)
	if firstIncorrect != lib.NULL_FRAME {
		if firstIncorrect < p.Sync.FrameCount {
			p.adjustGamestate(firstIncorrect, minConfirmed, &requests)
		}
		p.DisconnectFrame = lib.NULL_FRAME
	}

	// in sparse saving mode the last saved frame must never fall out of the
	// rollback window
	if p.SparseSaving && p.Sync.FrameCount-p.Sync.LastSavedFrame >= p.MaxPrediction {
		if minConfirmed >= p.Sync.FrameCount {
			requests = append(requests, p.Sync.SaveCurrentFrame())
		} else {
			p.adjustGamestate(p.Sync.LastSavedFrame, minConfirmed, &requests)
		}
		if p.Sync.LastSavedFrame != netcode.MIN(minConfirmed, p.Sync.FrameCount) {
			logrus.Panic("sparse saving lost the confirmed frame cell")
		}
	}

	p.sendConfirmedInputsToSpectators(minConfirmed, now)

	p.Sync.SetLastConfirmedFrame(minConfirmed, p.SparseSaving)

	if p.DesyncInterval > 0 {
		p.sendChecksumReports(now)
	}

	// check time sync and send a wait recommendation if we are ahead
	if p.Sync.FrameCount > p.NextRecommendedSleep {
		skip := p.maxStallRecommendation()
		if skip > 0 {
			p.NextRecommendedSleep = p.Sync.FrameCount + RECOMMENDATION_INTERVAL
			p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_WAIT_RECOMMENDATION, SkipFrames: skip})
		}
	}

	// skip a frame if we run too far ahead of the slowest peer; staged
	// local inputs are kept for the retried frame
	if p.shouldStall() {
		logrus.Info(fmt.Sprintf("stalling frame %d to let remote clients catch up.", p.Sync.FrameCount))
		p.LastStallFrame = p.Sync.FrameCount
		return requests, nil
	}

	// feed staged local inputs into the sync layer and broadcast them
	batchFrame := int64(lib.NULL_FRAME)
	var batchBits []byte
	for i := int64(0); i < p.NumPlayers; i++ {
		handle := netcode.PlayerHandle(i)
		if p.PlayerTypes[handle] != netcode.PLAYERTYPE_LOCAL {
			continue
		}
		input := p.localInputs[handle]
		input.Frame = p.Sync.FrameCount
		actualFrame, err := p.Sync.AddLocalInput(int64(handle), input)
		if err != nil {
			return nil, err
		}
		if actualFrame != lib.NULL_FRAME {
			p.LocalConnectStatus[handle].LastFrame = actualFrame
			if batchFrame != lib.NULL_FRAME && batchFrame != actualFrame {
				logrus.Panic("local players advanced to different delayed frames, frame delays must match")
			}
			batchFrame = actualFrame
			batchBits = append(batchBits, input.Bits...)
		}
	}

	if batchFrame != lib.NULL_FRAME {
		for _, ep := range p.Endpoints {
			ep.SendInput(batchFrame, batchBits, p.LocalConnectStatus, now)
			ep.SendAllMessages(p.Socket, now)
		}
	}

	// without sparse saving, every advanced frame is saved
	if !p.SparseSaving {
		requests = append(requests, p.Sync.SaveCurrentFrame())
	}

	inputs := p.Sync.SynchronizedInputs(p.LocalConnectStatus)
	for _, input := range inputs {
		if input.Frame != lib.NULL_FRAME && input.Frame != p.Sync.FrameCount {
			logrus.Panic("synchronized input does not belong to the current frame")
		}
	}

	p.Sync.IncrementFrame()
	requests = append(requests, netcode.Request{Type: netcode.RequestAdvanceFrame, Inputs: inputs})

	p.localInputs = make(map[netcode.PlayerHandle]*lib.GameInput)
	return requests, nil
}

// PollRemoteClients drains the socket, lets every endpoint handle its
// packets and timers, processes the resulting events and flushes all
// queued outgoing messages.
func (p *P2PSession) PollRemoteClients() {
	now := platform.GetCurrentTimeMS()

	for _, datagram := range p.Socket.ReceiveAll() {
		msg, err := network.DecodeMsg(datagram.Data)
		if err != nil {
			logrus.Info(fmt.Sprintf("dropping malformed packet from %s.", datagram.Addr))
			continue
		}
		for _, ep := range p.allEndpoints() {
			if ep.HandlesMsg(datagram.Addr) {
				ep.OnMsg(msg, now)
				break
			}
		}
	}

	for _, ep := range p.Endpoints {
		if ep.IsRunning() {
			ep.SetLocalFrameNumber(p.Sync.FrameCount)
		}
	}

	for _, ep := range p.Endpoints {
		for _, evt := range ep.Poll(p.LocalConnectStatus, now) {
			p.handlePeerEvent(ep, evt, now)
		}
	}
	for _, ep := range p.Spectators {
		for _, evt := range ep.Poll(p.LocalConnectStatus, now) {
			p.handleSpectatorEvent(ep, evt, now)
		}
	}

	for _, ep := range p.allEndpoints() {
		ep.SendAllMessages(p.Socket, now)
	}
}

func (p *P2PSession) allEndpoints() []*network.Endpoint {
	all := make([]*network.Endpoint, 0, len(p.Endpoints)+len(p.Spectators))
	all = append(all, p.Endpoints...)
	all = append(all, p.Spectators...)
	return all
}

func (p *P2PSession) handlePeerEvent(ep *network.Endpoint, evt network.Event, now uint64) {
	representative := ep.Handles[0]

	switch evt.Type {
	case network.EventSynchronizing:
		p.queueEvent(netcode.Event{
			Code:   netcode.EVENTCODE_SYNCHRONIZING_WITH_PEER,
			Player: representative,
			Count:  evt.Count,
			Total:  evt.Total,
		})

	case network.EventSynchronized:
		p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_SYNCHRONIZED_WITH_PEER, Player: representative})
		p.checkInitialSync()

	case network.EventNetworkInterrupted:
		p.queueEvent(netcode.Event{
			Code:              netcode.EVENTCODE_CONNECTION_INTERRUPTED,
			Player:            representative,
			DisconnectTimeout: evt.DisconnectTimeout,
		})

	case network.EventNetworkResumed:
		p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_CONNECTION_RESUMED, Player: representative})

	case network.EventDisconnected:
		for _, handle := range ep.Handles {
			p.disconnectPlayerAtFrame(handle, p.LocalConnectStatus[handle].LastFrame, now)
		}

	case network.EventInput:
		handle := evt.Player
		if !p.LocalConnectStatus[handle].Disconnected {
			currentRemoteFrame := p.LocalConnectStatus[handle].LastFrame
			if currentRemoteFrame != lib.NULL_FRAME && evt.Input.Frame != currentRemoteFrame+1 {
				logrus.Panic(fmt.Sprintf("remote input out of sequence: got frame %d after %d", evt.Input.Frame, currentRemoteFrame))
			}
			input := evt.Input
			p.Sync.AddRemoteInput(int64(handle), &input)
			p.LocalConnectStatus[handle].LastFrame = input.Frame
		}

	case network.EventChecksum:
		p.handleChecksumReport(representative, evt.Frame, evt.Checksum)
	}
}

func (p *P2PSession) handleSpectatorEvent(ep *network.Endpoint, evt network.Event, now uint64) {
	handle := ep.Handles[0]
	switch evt.Type {
	case network.EventSynchronizing:
		p.queueEvent(netcode.Event{
			Code:   netcode.EVENTCODE_SYNCHRONIZING_WITH_PEER,
			Player: handle,
			Count:  evt.Count,
			Total:  evt.Total,
		})
	case network.EventSynchronized:
		p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_SYNCHRONIZED_WITH_PEER, Player: handle})
	case network.EventDisconnected:
		ep.Disconnect(now)
		p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_DISCONNECTED_FROM_PEER, Player: handle})
	}
}

// minConfirmedFrame computes, over every player, the highest frame for
// which inputs are confirmed everywhere, and disconnects players that
// remote clients have already disconnected.
func (p *P2PSession) minConfirmedFrame(now uint64) int64 {
	totalMinConfirmed := int64(math.MaxInt64)

	for i := int64(0); i < p.NumPlayers; i++ {
		queueConnected := true
		queueMinConfirmed := int64(math.MaxInt64)

		for _, ep := range p.Endpoints {
			if !ep.IsRunning() {
				continue
			}
			status := ep.GetPeerConnectStatus(i)
			queueConnected = queueConnected && !status.Disconnected
			queueMinConfirmed = netcode.MIN(queueMinConfirmed, status.LastFrame)
		}

		localConnected := !p.LocalConnectStatus[i].Disconnected
		if localConnected {
			queueMinConfirmed = netcode.MIN(queueMinConfirmed, p.LocalConnectStatus[i].LastFrame)
		}

		if queueConnected {
			totalMinConfirmed = netcode.MIN(queueMinConfirmed, totalMinConfirmed)
		} else {
			// a remote may have disconnected this player further back than
			// we did, re-adjust to the earlier frame
			if localConnected || p.LocalConnectStatus[i].LastFrame > queueMinConfirmed {
				logrus.Info(fmt.Sprintf("disconnecting player %d by remote request.", i))
				p.disconnectPlayerAtFrame(netcode.PlayerHandle(i), queueMinConfirmed, now)
			}
		}
	}

	if totalMinConfirmed == math.MaxInt64 {
		logrus.Panic("no confirmed frame information for any player")
	}
	return totalMinConfirmed
}

// adjustGamestate emits the rollback request sequence: load the sync frame,
// then resimulate with the now-authoritative inputs up to where we were.
func (p *P2PSession) adjustGamestate(firstIncorrect int64, minConfirmed int64, requests *[]netcode.Request) {
	currentFrame := p.Sync.FrameCount

	frameToLoad := firstIncorrect
	if p.SparseSaving {
		// with sparse saving the last saved frame is the rollback anchor
		frameToLoad = p.Sync.LastSavedFrame
	}
	if frameToLoad > firstIncorrect {
		logrus.Panic(fmt.Sprintf("rollback anchor %d is past the first incorrect frame %d", frameToLoad, firstIncorrect))
	}

	count := currentFrame - frameToLoad
	logrus.Info(fmt.Sprintf("rolling back %d frames to frame %d.", count, frameToLoad))

	*requests = append(*requests, p.Sync.LoadFrame(frameToLoad))
	p.Sync.ResetPrediction(frameToLoad)

	for i := int64(0); i < count; i++ {
		inputs := p.Sync.SynchronizedInputs(p.LocalConnectStatus)
		p.Sync.IncrementFrame()
		*requests = append(*requests, netcode.Request{Type: netcode.RequestAdvanceFrame, Inputs: inputs})

		if p.SparseSaving {
			if p.Sync.FrameCount == minConfirmed {
				*requests = append(*requests, p.Sync.SaveCurrentFrame())
			}
		} else {
			*requests = append(*requests, p.Sync.SaveCurrentFrame())
		}
	}

	if p.Sync.FrameCount != currentFrame {
		logrus.Panic("rollback resimulation did not arrive back at the current frame")
	}
}

// sendConfirmedInputsToSpectators pushes the merged confirmed inputs of all
// players, frame by frame, to every running spectator.
func (p *P2PSession) sendConfirmedInputsToSpectators(minConfirmed int64, now uint64) {
	if len(p.Spectators) == 0 {
		return
	}

	for p.NextSpectatorFrame <= minConfirmed {
		inputs := p.Sync.ConfirmedInputs(p.NextSpectatorFrame, p.LocalConnectStatus)
		merged := make([]byte, 0, p.InputSize*p.NumPlayers)
		for _, input := range inputs {
			merged = append(merged, input.Bits...)
		}

		for _, ep := range p.Spectators {
			if ep.IsRunning() {
				ep.SendInput(p.NextSpectatorFrame, merged, p.LocalConnectStatus, now)
			}
		}
		p.NextSpectatorFrame++
	}
}

func (p *P2PSession) disconnectPlayerAtFrame(handle netcode.PlayerHandle, lastFrame int64, now uint64) {
	if int64(handle) >= netcode.SPECTATOR_HANDLE_OFFSET {
		for _, ep := range p.Spectators {
			if ep.Handles[0] == handle {
				ep.Disconnect(now)
			}
		}
		p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_DISCONNECTED_FROM_PEER, Player: handle})
		return
	}

	if p.LocalConnectStatus[handle].Disconnected {
		return
	}

	for _, ep := range p.Endpoints {
		for _, h := range ep.Handles {
			if h == handle {
				ep.Disconnect(now)
			}
		}
	}

	p.LocalConnectStatus[handle].Disconnected = true
	p.LocalConnectStatus[handle].LastFrame = lastFrame

	if p.Sync.FrameCount > lastFrame {
		// roll back to the disconnect so predictions about the gone player
		// are replaced with the disconnected status
		logrus.Info(fmt.Sprintf("disconnect of player %d requires a rollback to frame %d.", handle, lastFrame+1))
		if p.DisconnectFrame == lib.NULL_FRAME || lastFrame+1 < p.DisconnectFrame {
			p.DisconnectFrame = lastFrame + 1
		}
	}

	p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_DISCONNECTED_FROM_PEER, Player: handle})
	p.checkInitialSync()
}

// DisconnectPlayer disconnects a remote player or spectator on request of
// the host.
func (p *P2PSession) DisconnectPlayer(handle netcode.PlayerHandle) error {
	playerType, ok := p.PlayerTypes[handle]
	if !ok || playerType == netcode.PLAYERTYPE_LOCAL {
		return netcode.InvalidRequestError{Info: "local players cannot be disconnected"}
	}

	now := platform.GetCurrentTimeMS()
	if playerType == netcode.PLAYERTYPE_SPECTATOR {
		p.disconnectPlayerAtFrame(handle, lib.NULL_FRAME, now)
		return nil
	}

	if p.LocalConnectStatus[handle].Disconnected {
		return netcode.ErrPlayerDisconnected
	}
	p.disconnectPlayerAtFrame(handle, p.LocalConnectStatus[handle].LastFrame, now)
	return nil
}

func (p *P2PSession) checkInitialSync() {
	if p.State != netcode.Synchronizing {
		return
	}
	for i := int64(0); i < p.NumPlayers; i++ {
		handle := netcode.PlayerHandle(i)
		if p.PlayerTypes[handle] != netcode.PLAYERTYPE_REMOTE {
			continue
		}
		if p.LocalConnectStatus[handle].Disconnected {
			continue
		}
		for _, ep := range p.Endpoints {
			for _, h := range ep.Handles {
				if h == handle && !ep.IsSynchronized() {
					return
				}
			}
		}
	}

	p.State = netcode.Running
	p.queueEvent(netcode.Event{Code: netcode.EVENTCODE_RUNNING})
}

func (p *P2PSession) maxStallRecommendation() int64 {
	interval := int64(0)
	for _, ep := range p.Endpoints {
		disconnected := true
		for _, h := range ep.Handles {
			if !p.LocalConnectStatus[h].Disconnected {
				disconnected = false
			}
		}
		if !disconnected {
			interval = netcode.MAX(interval, ep.RecommendStall())
		}
	}
	return interval
}

func (p *P2PSession) shouldStall() bool {
	if p.Sync.FrameCount-p.LastStallFrame < lib.MIN_FRAME_ADVANTAGE {
		return false
	}
	return p.maxStallRecommendation() > lib.FRAME_WINDOW_SIZE
}

// SetDesyncDetection enables checksum exchange between peers every interval
// confirmed frames. Zero disables it.
func (p *P2PSession) SetDesyncDetection(interval int64) {
	p.DesyncInterval = interval
}

func (p *P2PSession) sendChecksumReports(now uint64) {
	confirmed := p.Sync.LastConfirmedFrame
	if confirmed <= 0 {
		return
	}
	frame := confirmed - confirmed%p.DesyncInterval
	if frame <= p.LastChecksumSent || frame <= 0 {
		return
	}
	cell := p.Sync.GetCell(frame)
	if cell.Frame != frame {
		return
	}

	checksum := cell.Checksum()
	p.localChecksums[frame] = checksum
	p.LastChecksumSent = frame
	for _, ep := range p.Endpoints {
		if ep.IsRunning() {
			ep.SendChecksumReport(frame, checksum, now)
		}
	}
	p.compareChecksum(frame, netcode.INVALID_HANDLE)

	// bound the history
	for f := range p.localChecksums {
		if f <= frame-MAX_CHECKSUM_HISTORY*p.DesyncInterval {
			delete(p.localChecksums, f)
		}
	}
	for f := range p.remoteChecksums {
		if f <= frame-MAX_CHECKSUM_HISTORY*p.DesyncInterval {
			delete(p.remoteChecksums, f)
		}
	}
}

func (p *P2PSession) handleChecksumReport(handle netcode.PlayerHandle, frame int64, checksum int64) {
	p.remoteChecksums[frame] = checksum
	p.compareChecksum(frame, handle)
}

func (p *P2PSession) compareChecksum(frame int64, handle netcode.PlayerHandle) {
	local, haveLocal := p.localChecksums[frame]
	remote, haveRemote := p.remoteChecksums[frame]
	if !haveLocal || !haveRemote || local == remote {
		return
	}
	logrus.Error(fmt.Sprintf("desync detected at frame %d: %08x != %08x", frame, local, remote))
	p.queueEvent(netcode.Event{
		Code:           netcode.EVENTCODE_DESYNC_DETECTED,
		Player:         handle,
		Frame:          frame,
		LocalChecksum:  local,
		RemoteChecksum: remote,
	})
}

func (p *P2PSession) queueEvent(evt netcode.Event) {
	p.eventQueue = append(p.eventQueue, evt)
	if len(p.eventQueue) > MAX_EVENT_QUEUE_SIZE {
		p.eventQueue = p.eventQueue[len(p.eventQueue)-MAX_EVENT_QUEUE_SIZE:]
	}
}

// Events returns all events since the last call.
func (p *P2PSession) Events() []netcode.Event {
	events := p.eventQueue
	p.eventQueue = nil
	return events
}

// NetworkStats reports connection quality for a remote player or spectator.
func (p *P2PSession) NetworkStats(handle netcode.PlayerHandle) (netcode.NetworkStats, error) {
	for _, ep := range p.allEndpoints() {
		for _, h := range ep.Handles {
			if h == handle {
				if !ep.IsSynchronized() {
					return netcode.NetworkStats{}, netcode.ErrNotSynchronized
				}
				return ep.GetNetworkStats(), nil
			}
		}
	}
	return netcode.NetworkStats{}, netcode.InvalidRequestError{Info: "no endpoint for the given handle"}
}

// SetFrameDelay shifts a local player's inputs the given number of frames
// into the future.
func (p *P2PSession) SetFrameDelay(handle netcode.PlayerHandle, delay int64) error {
	if p.PlayerTypes[handle] != netcode.PLAYERTYPE_LOCAL {
		return netcode.InvalidRequestError{Info: "frame delay can only be set for local players"}
	}
	if delay < 0 {
		return netcode.InvalidRequestError{Info: "frame delay cannot be negative"}
	}
	p.Sync.SetFrameDelay(int64(handle), delay)
	return nil
}

// SetSparseSaving switches to saving only the last confirmed frame. Must be
// chosen before the session starts.
func (p *P2PSession) SetSparseSaving(sparse bool) error {
	if p.State != netcode.Initializing {
		return netcode.InvalidRequestError{Info: "saving mode can only change before start_session"}
	}
	p.SparseSaving = sparse
	return nil
}

// SetMaxPredictionFrames resizes the prediction window and the save ring.
// Must be chosen before the session starts.
func (p *P2PSession) SetMaxPredictionFrames(maxPrediction int64) error {
	if p.State != netcode.Initializing {
		return netcode.InvalidRequestError{Info: "prediction window can only change before start_session"}
	}
	if maxPrediction < 1 {
		return netcode.InvalidRequestError{Info: "prediction window must be at least one frame"}
	}
	p.MaxPrediction = maxPrediction
	p.Sync.Init(lib.Config{
		NumPlayers:    p.NumPlayers,
		InputSize:     p.InputSize,
		MaxPrediction: maxPrediction,
	})
	for _, ep := range p.allEndpoints() {
		ep.MaxPrediction = maxPrediction
	}
	return nil
}

func (p *P2PSession) SetFps(fps int64) error {
	if fps <= 0 {
		return netcode.InvalidRequestError{Info: "fps must be positive"}
	}
	p.Fps = fps
	for _, ep := range p.allEndpoints() {
		ep.Fps = fps
	}
	return nil
}

func (p *P2PSession) SetDisconnectTimeout(timeoutMS int64) {
	p.DisconnectTimeout = timeoutMS
	for _, ep := range p.allEndpoints() {
		ep.DisconnectTimeout = timeoutMS
	}
}

func (p *P2PSession) SetDisconnectNotifyStart(notifyMS int64) {
	p.DisconnectNotifyStart = notifyMS
	for _, ep := range p.allEndpoints() {
		ep.DisconnectNotifyStart = notifyMS
	}
}

func (p *P2PSession) CurrentState() netcode.SessionState {
	return p.State
}

func (p *P2PSession) CurrentFrame() int64 {
	return p.Sync.FrameCount
}

// ConfirmedFrame is the highest frame for which all players' inputs are
// authoritative on this client.
func (p *P2PSession) ConfirmedFrame() int64 {
	return p.Sync.LastConfirmedFrame
}

// FramesAhead is how many of the frames advanced so far still rest on
// predicted remote input.
func (p *P2PSession) FramesAhead() int64 {
	if p.Sync.LastConfirmedFrame == lib.NULL_FRAME {
		return p.Sync.FrameCount
	}
	return p.Sync.FrameCount - p.Sync.LastConfirmedFrame
}

// LocalPlayerHandles returns the handles registered as local players.
func (p *P2PSession) LocalPlayerHandles() []netcode.PlayerHandle {
	var handles []netcode.PlayerHandle
	for i := int64(0); i < p.NumPlayers; i++ {
		if p.PlayerTypes[netcode.PlayerHandle(i)] == netcode.PLAYERTYPE_LOCAL {
			handles = append(handles, netcode.PlayerHandle(i))
		}
	}
	return handles
}
