// Package rollnet is a peer-to-peer rollback networking library for
// lockstep-deterministic games. Each client advances its simulation with
// local input plus predicted remote input; when authoritative remote input
// arrives, the session asks the host to roll back and resimulate. Sessions
// express all host work as ordered request lists instead of callbacks.
package rollnet

import (
	"github.com/piepacker/rollnet/backend"
	"github.com/piepacker/rollnet/netcode"
	"github.com/piepacker/rollnet/network"
)

// NewP2PSession creates a session for numPlayers participants exchanging
// fixed inputSize-byte inputs over the given socket. Add players, tune the
// session, then call StartSession.
func NewP2PSession(numPlayers int64, inputSize int64, socket network.NonBlockingSocket) *backend.P2PSession {
	session := new(backend.P2PSession)
	session.Init(numPlayers, inputSize, socket)
	return session
}

// NewP2PSessionWithPort is NewP2PSession over a freshly bound UDP socket.
func NewP2PSessionWithPort(numPlayers int64, inputSize int64, port uint16) (*backend.P2PSession, error) {
	socket, err := network.NewUDPSocket(port)
	if err != nil {
		return nil, netcode.ErrSocketCreation
	}
	return NewP2PSession(numPlayers, inputSize, socket), nil
}

// NewSpectatorSession creates a session that consumes the confirmed input
// stream broadcast by the host at hostAddr. The spectator advances up to
// catchupSpeed frames per tick while it is more than maxFramesBehind frames
// behind the host.
func NewSpectatorSession(numPlayers int64, inputSize int64, socket network.NonBlockingSocket, hostAddr string, maxFramesBehind int64, catchupSpeed int64) *backend.SpectatorSession {
	if maxFramesBehind <= 0 {
		maxFramesBehind = netcode.DEFAULT_MAX_FRAMES_BEHIND
	}
	if catchupSpeed <= 0 {
		catchupSpeed = netcode.DEFAULT_CATCHUP_SPEED
	}
	session := new(backend.SpectatorSession)
	session.Init(numPlayers, inputSize, socket, hostAddr, maxFramesBehind, catchupSpeed)
	return session
}

// NewSyncTestSession creates an offline session that forces a rollback of
// checkDistance frames on every advance and reports checksum mismatches,
// exposing non-determinism in the host's simulation.
func NewSyncTestSession(numPlayers int64, inputSize int64, checkDistance int64) (*backend.SyncTestSession, error) {
	session := new(backend.SyncTestSession)
	if err := session.Init(numPlayers, inputSize, checkDistance, netcode.DEFAULT_MAX_PREDICTION_FRAMES); err != nil {
		return nil, err
	}
	return session, nil
}
