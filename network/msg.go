package network

import (
	"bytes"
	"encoding/gob"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/netcode"
)

const (
	// MAGIC_NUMBER identifies the protocol version. Bumping it breaks
	// compatibility with older builds on purpose.
	MAGIC_NUMBER uint16 = 0x6A6B

	// MAX_SEQ_DISTANCE is how far ahead of the last received sequence
	// number a packet may be before it is considered garbage.
	MAX_SEQ_DISTANCE uint16 = 1 << 15
)

type MsgType int64

const (
	Invalid MsgType = iota
	SyncRequest
	SyncReply
	Input
	InputAck
	QualityReport
	QualityReply
	KeepAlive
	ChecksumReport
)

type HdrType struct {
	Magic          uint16
	Queue          uint8
	SequenceNumber uint16
	Type           MsgType
}

type SyncRequestType struct {
	RandomRequest uint32 // please reply back with this random data
}

type SyncReplyType struct {
	RandomReply uint32 // OK, here's your random data back
}

type InputType struct {
	PeerConnectStatus   []netcode.ConnectStatus
	StartFrame          int64
	DisconnectRequested bool
	AckFrame            int64
	NumBits             int64
	InputSize           int64
	Bits                []byte
}

type InputAckType struct {
	AckFrame int64
}

type QualityReportType struct {
	FrameAdvantage int64 // how far ahead of this peer we believe we are
	Ping           uint64
}

type QualityReplyType struct {
	Pong uint64
}

type ChecksumReportType struct {
	Frame    int64
	Checksum int64
}

type Msg struct {
	Hdr            HdrType
	SyncRequest    SyncRequestType
	SyncReply      SyncReplyType
	Input          InputType
	InputAck       InputAckType
	QualityReport  QualityReportType
	QualityReply   QualityReplyType
	ChecksumReport ChecksumReportType
}

func (m *Msg) Init(t MsgType) {
	m.Hdr.Type = t
	m.Hdr.Magic = MAGIC_NUMBER
}

// PacketSize is an estimate of the on-wire footprint, used for bandwidth
// accounting only.
func (m *Msg) PacketSize() int64 {
	return 8 + int64(len(m.Input.Bits)) + int64(len(m.Input.PeerConnectStatus))*10
}

// EncodeMsg serializes a message for the wire.
func EncodeMsg(m *Msg) []byte {
	var buffer bytes.Buffer
	encoder := gob.NewEncoder(&buffer)
	if err := encoder.Encode(m); err != nil {
		logrus.Error("msg encode error: ", err)
		return nil
	}
	return buffer.Bytes()
}

// DecodeMsg parses a datagram. Tampered or truncated packets return
// ErrDecoding and are dropped by the caller, they must never take the
// process down.
func DecodeMsg(data []byte) (*Msg, error) {
	msg := new(Msg)
	decoder := gob.NewDecoder(bytes.NewBuffer(data))
	if err := decoder.Decode(msg); err != nil {
		return nil, netcode.ErrDecoding
	}
	if msg.Hdr.Magic != MAGIC_NUMBER {
		return nil, netcode.ErrDecoding
	}
	return msg, nil
}
