package netcode

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// GameStateCell is one slot of the sync layer's save ring. The host fills
// it when fulfilling a save request and reads it back on a load request.
// The library never inspects the payload, it only keeps the bytes and a
// checksum around for rollbacks and sync tests.
type GameStateCell struct {
	Frame int64

	buf           []byte
	checksum      int64
	inputChecksum int64
}

// Reset re-targets the cell at a new frame before it is handed to the host.
// inputChecksum is the fallback checksum derived from the inputs advanced
// since the last save, used when the host skips the payload.
func (c *GameStateCell) Reset(frame int64, inputChecksum int64) {
	c.Frame = frame
	c.buf = nil
	c.checksum = 0
	c.inputChecksum = inputChecksum
}

// Save stores the host's serialized state for the requested frame. Passing
// nil data skips the payload (sparse hosts may do this to only pay for the
// checksum); passing checksum 0 lets the cell derive one: Fletcher-16 over
// the payload if present, otherwise the input-derived fallback.
func (c *GameStateCell) Save(frame int64, data []byte, checksum int64) {
	if frame != c.Frame {
		logrus.Panic(fmt.Sprintf("cell save frame mismatch: got %d, cell targets %d", frame, c.Frame))
	}
	if data != nil {
		c.buf = make([]byte, len(data))
		copy(c.buf, data)
	}
	switch {
	case checksum != 0:
		c.checksum = checksum
	case data != nil:
		c.checksum = int64(Fletcher16(data))
	default:
		c.checksum = c.inputChecksum
	}
}

// Load returns the previously saved payload, or nil if the host skipped it.
func (c *GameStateCell) Load() []byte {
	return c.buf
}

func (c *GameStateCell) Checksum() int64 {
	return c.checksum
}
