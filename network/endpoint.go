package network

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/lib"
	"github.com/piepacker/rollnet/netcode"
	"github.com/piepacker/rollnet/platform"
)

const (
	UDP_HEADER_SIZE         = 28 /* Size of IP + UDP headers */
	NUM_SYNC_PACKETS        = 5
	SYNC_RETRY_INTERVAL     = 200
	MAX_SYNC_RETRY_INTERVAL = SYNC_RETRY_INTERVAL * 4
	RUNNING_RETRY_INTERVAL  = 200
	KEEP_ALIVE_INTERVAL     = 200
	QUALITY_REPORT_INTERVAL = 1000
	NETWORK_STATS_INTERVAL  = 1000
	UDP_SHUTDOWN_TIMER      = 5000
	MAX_INPUT_BATCH         = 64
	PENDING_OUTPUT_SIZE     = 128
)

type State int64

const (
	Initializing State = iota
	Synchronizing
	Running
	Disconnected
)

// pendingInput is one frame's worth of this client's input bytes, covering
// every handle the receiving side expects from us.
type pendingInput struct {
	Frame int64
	Bits  []byte
}

type OoPacket struct {
	SendTime uint64
	DestAddr string
	Data     []byte
}

// Endpoint is the UDP protocol state machine for one remote participant:
// sync handshake, input batching and acknowledgment, quality reports,
// keepalives and disconnect detection. It never touches the socket from a
// handler; outgoing packets queue up until SendAllMessages and incoming
// events queue up until Poll drains them.
type Endpoint struct {
	RemoteAddr    string
	Queue         int64
	Handles       []netcode.PlayerHandle
	InputSize     int64
	MaxPrediction int64
	Fps           int64

	CurrentState State
	Connected    bool

	SyncRemainingRoundtrips int64
	SyncRandom              uint32
	SyncRetryInterval       uint64
	SyncStartTime           uint64

	PendingOutput     lib.RingBuffer[pendingInput]
	LastAckedInput    pendingInput
	LastReceivedFrame int64
	LastSentFrame     int64
	RecvInputs        map[int64][]byte

	EventQueue []Event
	SendQueue  []QueueEntry
	OoPacket   OoPacket

	TimeSync             lib.TimeSync
	LocalFrameAdvantage  int64
	RemoteFrameAdvantage int64
	RoundTripTime        int64

	NextSendSeq uint16
	NextRecvSeq uint16

	PeerConnectStatus []netcode.ConnectStatus

	DisconnectTimeout     int64
	DisconnectNotifyStart int64
	DisconnectNotifySent  bool
	DisconnectEventSent   bool
	ShutdownTimeout       uint64
	IsShutdown            bool

	LastSendTime          uint64
	LastRecvTime          uint64
	LastQualityReportTime uint64
	LastInputRecvTime     uint64
	StatsStartTime        uint64

	PacketsSent int64
	BytesSent   int64
	KbpsSent    int64

	SendLatency int64
	OopPercent  int64
}

// Init prepares the endpoint for a remote at the given address owning the
// given player handles. inputSize is the per-handle payload size; a frame's
// batch entry carries one payload per owned handle.
func (e *Endpoint) Init(remoteAddr string, queue int64, handles []netcode.PlayerHandle, inputSize int64, numPlayers int64, maxPrediction int64, fps int64) {
	e.RemoteAddr = remoteAddr
	e.Queue = queue
	e.Handles = append([]netcode.PlayerHandle(nil), handles...)
	sort.Slice(e.Handles, func(i, j int) bool { return e.Handles[i] < e.Handles[j] })
	e.InputSize = inputSize
	e.MaxPrediction = maxPrediction
	e.Fps = fps

	e.CurrentState = Initializing
	e.Connected = false
	e.LastReceivedFrame = lib.NULL_FRAME
	e.LastSentFrame = lib.NULL_FRAME
	e.LastAckedInput = pendingInput{Frame: lib.NULL_FRAME, Bits: make([]byte, e.entrySize())}
	e.PendingOutput.Init(PENDING_OUTPUT_SIZE)
	e.RecvInputs = map[int64][]byte{lib.NULL_FRAME: make([]byte, e.entrySize())}

	e.PeerConnectStatus = make([]netcode.ConnectStatus, numPlayers)
	for i := range e.PeerConnectStatus {
		e.PeerConnectStatus[i].LastFrame = lib.NULL_FRAME
	}

	e.SyncRetryInterval = SYNC_RETRY_INTERVAL
	e.SendLatency = platform.GetConfigInt("rollnet.network.delay")
	e.OopPercent = platform.GetConfigInt("rollnet.oop.percent")
}

func (e *Endpoint) entrySize() int64 {
	return e.InputSize * int64(len(e.Handles))
}

// Synchronize starts the handshake. The endpoint retransmits sync requests
// with mild backoff until NUM_SYNC_PACKETS replies came back.
func (e *Endpoint) Synchronize(now uint64) {
	e.CurrentState = Synchronizing
	e.SyncRemainingRoundtrips = NUM_SYNC_PACKETS
	e.SyncRetryInterval = SYNC_RETRY_INTERVAL
	e.SyncStartTime = now
	e.StatsStartTime = now
	e.SendSyncRequest(now)
}

func (e *Endpoint) SendSyncRequest(now uint64) {
	e.SyncRandom = rand.Uint32()
	msg := new(Msg)
	msg.Init(SyncRequest)
	msg.SyncRequest.RandomRequest = e.SyncRandom
	e.SendMsg(msg, now)
}

// SendInput queues one frame of local input for transmission and flushes
// the pending batch into an Input message.
func (e *Endpoint) SendInput(frame int64, bits []byte, status []netcode.ConnectStatus, now uint64) {
	if e.CurrentState == Running {
		e.TimeSync.AdvanceFrame(frame, e.LocalFrameAdvantage, e.RemoteFrameAdvantage)

		// A peer that never acks is broken or gone; spectators especially
		// have no other backpressure, so give up on them here.
		if e.PendingOutput.Size == PENDING_OUTPUT_SIZE {
			if !e.DisconnectEventSent {
				logrus.Info(fmt.Sprintf("endpoint %d stopped acking inputs, disconnecting.", e.Queue))
				e.queueEvent(Event{Type: EventDisconnected})
				e.DisconnectEventSent = true
			}
			return
		}

		stored := make([]byte, len(bits))
		copy(stored, bits)
		// what we send covers our local players, which is not necessarily
		// what this endpoint's remote side owns
		if e.LastAckedInput.Frame == lib.NULL_FRAME && len(e.LastAckedInput.Bits) != len(bits) {
			e.LastAckedInput.Bits = make([]byte, len(bits))
		}
		e.PendingOutput.Push(pendingInput{Frame: frame, Bits: stored})
		e.LastSentFrame = frame
	}
	e.SendPendingOutput(status, now)
}

// SendPendingOutput encodes everything between the last acked frame and the
// last queued frame, capped at MAX_INPUT_BATCH, into one Input message.
func (e *Endpoint) SendPendingOutput(status []netcode.ConnectStatus, now uint64) {
	msg := new(Msg)
	msg.Init(Input)

	if e.PendingOutput.Size > 0 {
		front := e.PendingOutput.Front()
		if e.LastAckedInput.Frame != lib.NULL_FRAME && e.LastAckedInput.Frame+1 != front.Frame {
			logrus.Panic(fmt.Sprintf("pending output does not continue the acked stream (acked %d, front %d)",
				e.LastAckedInput.Frame, front.Frame))
		}

		count := netcode.MIN(e.PendingOutput.Size, MAX_INPUT_BATCH)
		pending := make([][]byte, 0, count)
		for i := int64(0); i < count; i++ {
			pending = append(pending, e.PendingOutput.Item(i).Bits)
		}

		bits, numBits := EncodeInputs(e.LastAckedInput.Bits, pending)
		msg.Input.StartFrame = front.Frame
		msg.Input.InputSize = int64(len(front.Bits))
		msg.Input.Bits = bits
		msg.Input.NumBits = numBits
	}

	msg.Input.AckFrame = e.LastReceivedFrame
	msg.Input.DisconnectRequested = e.CurrentState == Disconnected
	msg.Input.PeerConnectStatus = append([]netcode.ConnectStatus(nil), status...)

	e.SendMsg(msg, now)
}

func (e *Endpoint) SendInputAck(now uint64) {
	msg := new(Msg)
	msg.Init(InputAck)
	msg.InputAck.AckFrame = e.LastReceivedFrame
	e.SendMsg(msg, now)
}

// SendChecksumReport shares the checksum of a confirmed frame so the peer
// can detect a desynchronized simulation.
func (e *Endpoint) SendChecksumReport(frame int64, checksum int64, now uint64) {
	msg := new(Msg)
	msg.Init(ChecksumReport)
	msg.ChecksumReport.Frame = frame
	msg.ChecksumReport.Checksum = checksum
	e.SendMsg(msg, now)
}

func (e *Endpoint) SendMsg(msg *Msg, now uint64) {
	msg.Hdr.Queue = uint8(e.Queue)
	msg.Hdr.SequenceNumber = e.NextSendSeq
	e.NextSendSeq++

	e.PacketsSent++
	e.LastSendTime = now
	e.BytesSent += msg.PacketSize()

	data := EncodeMsg(msg)
	if data == nil {
		return
	}
	e.SendQueue = append(e.SendQueue, QueueEntry{QueueTime: now, DestAddr: e.RemoteAddr, Data: data})
}

// SendAllMessages flushes the send queue onto the socket, honoring the
// artificial latency and out-of-order knobs when configured.
func (e *Endpoint) SendAllMessages(socket NonBlockingSocket, now uint64) {
	if e.IsShutdown {
		e.SendQueue = nil
		return
	}

	remaining := e.SendQueue[:0]
	for i := range e.SendQueue {
		entry := e.SendQueue[i]

		if e.SendLatency > 0 {
			jitter := (e.SendLatency * 2 / 3) + (rand.Int63n(e.SendLatency) / 3)
			if now < entry.QueueTime+uint64(jitter) {
				remaining = append(remaining, entry)
				continue
			}
		}

		if e.OopPercent > 0 && e.OoPacket.Data == nil && rand.Int63n(100) < e.OopPercent {
			delay := rand.Int63n(e.SendLatency*10 + 1000)
			logrus.Info(fmt.Sprintf("creating rogue oop (delay: %d)", delay))
			e.OoPacket.SendTime = now + uint64(delay)
			e.OoPacket.DestAddr = entry.DestAddr
			e.OoPacket.Data = entry.Data
		} else {
			socket.SendTo(entry.DestAddr, entry.Data)
		}
	}
	e.SendQueue = remaining

	if e.OoPacket.Data != nil && e.OoPacket.SendTime < now {
		logrus.Info("sending rogue oop!")
		socket.SendTo(e.OoPacket.DestAddr, e.OoPacket.Data)
		e.OoPacket.Data = nil
	}
}

func (e *Endpoint) HandlesMsg(addr string) bool {
	return e.RemoteAddr == addr
}

// OnMsg dispatches a decoded message. Stale and duplicate sequence numbers
// are dropped here.
func (e *Endpoint) OnMsg(msg *Msg, now uint64) {
	if e.IsShutdown {
		return
	}

	seq := msg.Hdr.SequenceNumber
	if msg.Hdr.Type != SyncRequest && msg.Hdr.Type != SyncReply {
		skipped := seq - e.NextRecvSeq
		if skipped > MAX_SEQ_DISTANCE {
			logrus.Info(fmt.Sprintf("dropping out of order packet (seq: %d, expected: %d)", seq, e.NextRecvSeq))
			return
		}
	}
	e.NextRecvSeq = seq + 1

	handled := false
	switch msg.Hdr.Type {
	case SyncRequest:
		handled = e.OnSyncRequest(msg, now)
	case SyncReply:
		handled = e.OnSyncReply(msg, now)
	case Input:
		handled = e.OnInput(msg, now)
	case InputAck:
		handled = e.OnInputAck(msg, now)
	case QualityReport:
		handled = e.OnQualityReport(msg, now)
	case QualityReply:
		handled = e.OnQualityReply(msg, now)
	case KeepAlive:
		handled = true
	case ChecksumReport:
		handled = e.OnChecksumReport(msg, now)
	}

	if handled {
		e.LastRecvTime = now
		if e.DisconnectNotifySent && e.CurrentState == Running {
			e.queueEvent(Event{Type: EventNetworkResumed})
			e.DisconnectNotifySent = false
		}
	}
}

// OnSyncRequest always answers, whatever state we are in; the peer may
// still be counting roundtrips after we finished ours.
func (e *Endpoint) OnSyncRequest(msg *Msg, now uint64) bool {
	reply := new(Msg)
	reply.Init(SyncReply)
	reply.SyncReply.RandomReply = msg.SyncRequest.RandomRequest
	e.SendMsg(reply, now)
	return true
}

func (e *Endpoint) OnSyncReply(msg *Msg, now uint64) bool {
	if e.CurrentState != Synchronizing {
		logrus.Info("ignoring sync reply while not synchronizing.")
		return true
	}

	if msg.SyncReply.RandomReply != e.SyncRandom {
		logrus.Info(fmt.Sprintf("sync reply %d != %d. keep looking...", msg.SyncReply.RandomReply, e.SyncRandom))
		return false
	}

	if !e.Connected {
		e.queueEvent(Event{Type: EventConnected})
		e.Connected = true
	}

	e.SyncRemainingRoundtrips--
	e.SyncRetryInterval = SYNC_RETRY_INTERVAL
	if e.SyncRemainingRoundtrips == 0 {
		logrus.Info(fmt.Sprintf("endpoint %d synchronized!", e.Queue))
		e.queueEvent(Event{Type: EventSynchronized})
		e.CurrentState = Running
	} else {
		e.queueEvent(Event{
			Type:  EventSynchronizing,
			Total: NUM_SYNC_PACKETS,
			Count: NUM_SYNC_PACKETS - e.SyncRemainingRoundtrips,
		})
		e.SendSyncRequest(now)
	}
	return true
}

func (e *Endpoint) OnInput(msg *Msg, now uint64) bool {
	if msg.Input.DisconnectRequested {
		// cooperative disconnect, obey it right away
		if e.CurrentState != Disconnected && !e.DisconnectEventSent {
			logrus.Info("disconnecting endpoint on remote request.")
			e.queueEvent(Event{Type: EventDisconnected})
			e.DisconnectEventSent = true
		}
	} else {
		remoteStatus := msg.Input.PeerConnectStatus
		for i := 0; i < len(remoteStatus) && i < len(e.PeerConnectStatus); i++ {
			e.PeerConnectStatus[i].Disconnected = e.PeerConnectStatus[i].Disconnected || remoteStatus[i].Disconnected
			e.PeerConnectStatus[i].LastFrame = netcode.MAX(e.PeerConnectStatus[i].LastFrame, remoteStatus[i].LastFrame)
		}
	}

	e.popPendingOutput(msg.Input.AckFrame)

	if msg.Input.NumBits <= 0 {
		return true
	}

	if msg.Input.InputSize != e.entrySize() {
		logrus.Error(fmt.Sprintf("dropping input packet with entry size %d, expected %d", msg.Input.InputSize, e.entrySize()))
		return true
	}

	// find the payload we XOR-chain from: the input just before the batch,
	// or the zeroed blank when nothing was received yet
	decodeFrame := msg.Input.StartFrame - 1
	if e.LastReceivedFrame == lib.NULL_FRAME {
		decodeFrame = lib.NULL_FRAME
	}
	reference, ok := e.RecvInputs[decodeFrame]
	if !ok {
		logrus.Info(fmt.Sprintf("dropping input batch starting at %d, reference frame %d is gone", msg.Input.StartFrame, decodeFrame))
		return true
	}

	inputs, err := DecodeInputs(reference, msg.Input.Bits, msg.Input.NumBits, e.entrySize())
	if err != nil {
		logrus.Error(fmt.Sprintf("dropping undecodable input batch from %s: %v", e.RemoteAddr, err))
		return true
	}

	e.LastInputRecvTime = now

	for i, entry := range inputs {
		frame := msg.Input.StartFrame + int64(i)
		if frame <= e.LastReceivedFrame {
			continue
		}
		if e.LastReceivedFrame != lib.NULL_FRAME && frame != e.LastReceivedFrame+1 {
			logrus.Panic(fmt.Sprintf("decoded input batch left a gap (frame %d after %d)", frame, e.LastReceivedFrame))
		}

		e.RecvInputs[frame] = entry
		e.LastReceivedFrame = frame

		for h, handle := range e.Handles {
			var input lib.GameInput
			input.Init(frame, entry[int64(h)*e.InputSize:(int64(h)+1)*e.InputSize], e.InputSize)
			e.queueEvent(Event{Type: EventInput, Input: input, Player: handle})
		}
	}

	e.SendInputAck(now)

	// old received inputs can no longer serve as decode references
	oldest := e.LastReceivedFrame - 2*e.MaxPrediction
	for frame := range e.RecvInputs {
		if frame != lib.NULL_FRAME && frame < oldest {
			delete(e.RecvInputs, frame)
		}
	}
	return true
}

func (e *Endpoint) OnInputAck(msg *Msg, now uint64) bool {
	e.popPendingOutput(msg.InputAck.AckFrame)
	return true
}

func (e *Endpoint) OnQualityReport(msg *Msg, now uint64) bool {
	e.RemoteFrameAdvantage = msg.QualityReport.FrameAdvantage
	reply := new(Msg)
	reply.Init(QualityReply)
	reply.QualityReply.Pong = msg.QualityReport.Ping
	e.SendMsg(reply, now)
	return true
}

func (e *Endpoint) OnQualityReply(msg *Msg, now uint64) bool {
	if now < msg.QualityReply.Pong {
		return false
	}
	sample := int64(now - msg.QualityReply.Pong)
	if e.RoundTripTime == 0 {
		e.RoundTripTime = sample
	} else {
		e.RoundTripTime += (sample - e.RoundTripTime) / 2
	}
	return true
}

func (e *Endpoint) OnChecksumReport(msg *Msg, now uint64) bool {
	e.queueEvent(Event{
		Type:     EventChecksum,
		Frame:    msg.ChecksumReport.Frame,
		Checksum: msg.ChecksumReport.Checksum,
	})
	return true
}

func (e *Endpoint) popPendingOutput(ackFrame int64) {
	for e.PendingOutput.Size > 0 && e.PendingOutput.Front().Frame <= ackFrame {
		e.LastAckedInput = *e.PendingOutput.Front()
		e.PendingOutput.Pop()
	}
}

// Poll runs the endpoint's timers and returns the events that accumulated
// since the last call.
func (e *Endpoint) Poll(status []netcode.ConnectStatus, now uint64) []Event {
	switch e.CurrentState {
	case Synchronizing:
		if e.LastSendTime > 0 && e.LastSendTime+e.SyncRetryInterval < now {
			logrus.Info(fmt.Sprintf("no luck syncing after %d ms. re-queueing sync packet.", e.SyncRetryInterval))
			e.SyncRetryInterval = minUint64(e.SyncRetryInterval*2, MAX_SYNC_RETRY_INTERVAL)
			e.SendSyncRequest(now)
		}
		// a handshake that cannot complete within the disconnect window is dead
		if e.DisconnectTimeout > 0 && !e.DisconnectEventSent && e.SyncStartTime+uint64(e.DisconnectTimeout) < now {
			logrus.Info("handshake timed out. disconnecting endpoint.")
			e.queueEvent(Event{Type: EventDisconnected})
			e.DisconnectEventSent = true
		}

	case Running:
		if e.LastInputRecvTime+RUNNING_RETRY_INTERVAL < now {
			logrus.Info(fmt.Sprintf("haven't exchanged packets in a while (last received:%d last sent:%d). resending.",
				e.LastReceivedFrame, e.LastSentFrame))
			e.SendPendingOutput(status, now)
			e.LastInputRecvTime = now
		}

		if e.LastQualityReportTime == 0 || e.LastQualityReportTime+QUALITY_REPORT_INTERVAL < now {
			msg := new(Msg)
			msg.Init(QualityReport)
			msg.QualityReport.Ping = now
			msg.QualityReport.FrameAdvantage = e.LocalFrameAdvantage
			e.SendMsg(msg, now)
			e.LastQualityReportTime = now
		}

		if e.StatsStartTime > 0 && e.StatsStartTime+NETWORK_STATS_INTERVAL < now {
			e.UpdateNetworkStats(now)
		}

		if e.LastSendTime > 0 && e.LastSendTime+KEEP_ALIVE_INTERVAL < now {
			logrus.Info("sending keep alive packet")
			msg := new(Msg)
			msg.Init(KeepAlive)
			e.SendMsg(msg, now)
		}

		if e.DisconnectTimeout > 0 && e.DisconnectNotifyStart > 0 && !e.DisconnectNotifySent &&
			e.LastRecvTime+uint64(e.DisconnectNotifyStart) < now {
			logrus.Info(fmt.Sprintf("endpoint has stopped receiving packets for %d ms. sending notification.", e.DisconnectNotifyStart))
			e.queueEvent(Event{
				Type:              EventNetworkInterrupted,
				DisconnectTimeout: e.DisconnectTimeout - e.DisconnectNotifyStart,
			})
			e.DisconnectNotifySent = true
		}

		if e.DisconnectTimeout > 0 && !e.DisconnectEventSent &&
			e.LastRecvTime+uint64(e.DisconnectTimeout) < now {
			logrus.Info(fmt.Sprintf("endpoint has stopped receiving packets for %d ms. disconnecting.", e.DisconnectTimeout))
			e.queueEvent(Event{Type: EventDisconnected})
			e.DisconnectEventSent = true
		}

	case Disconnected:
		if e.ShutdownTimeout < now {
			logrus.Info("shutting down endpoint.")
			e.IsShutdown = true
			e.ShutdownTimeout = 0
		}
	}

	events := e.EventQueue
	e.EventQueue = nil
	return events
}

func (e *Endpoint) queueEvent(evt Event) {
	e.EventQueue = append(e.EventQueue, evt)
}

// SetLocalFrameNumber records how far ahead of the remote we run. The
// remote's current frame is estimated from the last received frame plus
// half a roundtrip of progress.
func (e *Endpoint) SetLocalFrameNumber(localFrame int64) {
	if e.LastReceivedFrame == lib.NULL_FRAME {
		return
	}
	remoteFrame := e.LastReceivedFrame + (e.RoundTripTime/2)*e.Fps/1000
	e.LocalFrameAdvantage = localFrame - remoteFrame
}

func (e *Endpoint) RecommendStall() int64 {
	return e.TimeSync.RecommendStallDuration()
}

func (e *Endpoint) GetNetworkStats() netcode.NetworkStats {
	return netcode.NetworkStats{
		Ping:               e.RoundTripTime,
		SendQueueLen:       e.PendingOutput.Size,
		KbpsSent:           e.KbpsSent,
		LocalFramesBehind:  e.LocalFrameAdvantage,
		RemoteFramesBehind: e.RemoteFrameAdvantage,
	}
}

func (e *Endpoint) UpdateNetworkStats(now uint64) {
	if e.StatsStartTime == 0 || now <= e.StatsStartTime {
		return
	}
	totalBytesSent := e.BytesSent + UDP_HEADER_SIZE*e.PacketsSent
	seconds := float64(now-e.StatsStartTime) / 1000.0
	e.KbpsSent = int64(float64(totalBytesSent) / seconds / 1024)
}

// Disconnect puts the endpoint into its terminal state. Until the shutdown
// timer runs out it still handles incoming packets, and every Input message
// it sends carries the disconnect request.
func (e *Endpoint) Disconnect(now uint64) {
	if e.IsShutdown {
		return
	}
	logrus.Info(fmt.Sprintf("disconnecting endpoint %d.", e.Queue))
	e.CurrentState = Disconnected
	e.ShutdownTimeout = now + UDP_SHUTDOWN_TIMER
}

func (e *Endpoint) IsRunning() bool {
	return e.CurrentState == Running
}

func (e *Endpoint) IsSynchronized() bool {
	return e.CurrentState == Running || e.CurrentState == Disconnected
}

func (e *Endpoint) GetPeerConnectStatus(id int64) netcode.ConnectStatus {
	return e.PeerConnectStatus[id]
}

func minUint64(a uint64, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
