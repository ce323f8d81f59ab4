package lib

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

const NULL_FRAME = -1

// GameInput is one player's input payload for one frame. The payload is an
// opaque fixed-size byte buffer; two inputs are equal when their bytes are.
type GameInput struct {
	Frame int64
	Size  int64
	Bits  []byte
}

func (g *GameInput) Init(frame int64, bits []byte, size int64) {
	if size <= 0 {
		logrus.Panic(fmt.Sprintf("game input size must be positive, got %d", size))
	}
	g.Frame = frame
	g.Size = size
	g.Bits = make([]byte, size)
	if len(bits) > 0 {
		copy(g.Bits, bits)
	}
}

// Clone returns a deep copy so that predictions and queue entries never
// alias the same payload buffer.
func (g *GameInput) Clone() GameInput {
	var c GameInput
	c.Init(g.Frame, g.Bits, g.Size)
	return c
}

func (g *GameInput) Equal(other *GameInput, bitsOnly bool) bool {
	if g.Size != other.Size {
		logrus.Panic(fmt.Sprintf("comparing inputs of different sizes: %d != %d", g.Size, other.Size))
	}
	return (bitsOnly || g.Frame == other.Frame) && bytes.Equal(g.Bits, other.Bits)
}

func (g *GameInput) Erase() {
	for i := range g.Bits {
		g.Bits[i] = 0
	}
}
