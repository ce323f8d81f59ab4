package netcode

import (
	"errors"
	"fmt"
)

var (
	// ErrPredictionThreshold is returned when the session cannot advance
	// without receiving more remote inputs. The caller should wait and retry.
	ErrPredictionThreshold = errors.New("prediction threshold reached, cannot proceed without catching up")

	// ErrNotSynchronized is returned when the session has not finished the
	// handshake with all remote clients yet.
	ErrNotSynchronized = errors.New("session is not yet synchronized with all remote clients")

	ErrPlayerDisconnected    = errors.New("the player has already been disconnected")
	ErrSocketCreation        = errors.New("could not create the socket")
	ErrDecoding              = errors.New("received packet could not be decoded")
	ErrSpectatorTooFarBehind = errors.New("spectator fell behind the host further than the input buffer covers")
)

// InvalidRequestError signals a misuse of the session API, e.g. adding
// players after the session started or advancing without local input.
type InvalidRequestError struct {
	Info string
}

func (e InvalidRequestError) Error() string {
	return "invalid request: " + e.Info
}

// MismatchedChecksumError is returned by synctest sessions when a
// resimulated frame produced a different checksum than the original.
type MismatchedChecksumError struct {
	Frame int64
}

func (e MismatchedChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch during rollback on frame %d", e.Frame)
}
