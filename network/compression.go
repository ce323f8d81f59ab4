package network

import (
	"github.com/piepacker/rollnet/bitvector"
	"github.com/piepacker/rollnet/netcode"
)

// MAX_COMPRESSED_BITS bounds the decoded delta of a single input message:
// DecodeInputs rejects a batch that expands to more than this many bytes.
const MAX_COMPRESSED_BITS = 4096

// EncodeInputs compresses a batch of consecutive per-frame input payloads.
// Each payload is XOR-ed against its predecessor (the reference payload for
// the first one), which turns mostly-repeating inputs into mostly-zero
// bytes, and the concatenated delta is then run-length encoded as
// (bit value, run length) pairs. Returns the bit buffer and the number of
// encoded bits.
func EncodeInputs(reference []byte, pending [][]byte) ([]byte, int64) {
	delta := make([]byte, 0, len(pending)*len(reference))
	last := reference
	for _, cur := range pending {
		for i := range cur {
			delta = append(delta, last[i]^cur[i])
		}
		last = cur
	}

	// worst case every delta bit starts its own run
	bits := make([]byte, (int64(len(delta))*8*(1+bitvector.NIBBLE_SIZE))/8+2)
	var offset int64
	var i int64
	total := int64(len(delta)) * 8
	for i < total {
		value := byteBit(delta, i)
		run := int64(1)
		for i+run < total && byteBit(delta, i+run) == value && run < bitvector.MaxRun {
			run++
		}
		if value != 0 {
			bitvector.SetBit(bits, &offset)
		} else {
			bitvector.ClearBit(bits, &offset)
		}
		bitvector.WriteNibblet(bits, run, &offset)
		i += run
	}

	return bits[:(offset+7)/8], offset
}

// DecodeInputs reverses EncodeInputs. It returns one payload per frame of
// the batch, XOR-chained from the reference payload. Malformed data fails
// softly with ErrDecoding.
func DecodeInputs(reference []byte, bits []byte, numBits int64, entrySize int64) ([][]byte, error) {
	if entrySize <= 0 || numBits < 0 || numBits > bitvector.Capacity(bits) {
		return nil, netcode.ErrDecoding
	}

	var delta []byte
	var offset int64
	for offset < numBits {
		if offset+1+bitvector.NIBBLE_SIZE > numBits {
			return nil, netcode.ErrDecoding
		}
		value := bitvector.ReadBit(bits, &offset)
		run := bitvector.ReadNibblet(bits, &offset)
		if run == 0 || int64(len(delta))+run > MAX_COMPRESSED_BITS*8 {
			return nil, netcode.ErrDecoding
		}
		delta = appendBits(delta, value, run)
	}

	if int64(len(delta))%8 != 0 {
		return nil, netcode.ErrDecoding
	}
	deltaBytes := int64(len(delta)) / 8
	if deltaBytes%entrySize != 0 {
		return nil, netcode.ErrDecoding
	}

	packed := make([]byte, deltaBytes)
	for i := int64(0); i < int64(len(delta)); i++ {
		if delta[i] != 0 {
			packed[i/8] |= 1 << (i % 8)
		}
	}

	count := deltaBytes / entrySize
	out := make([][]byte, 0, count)
	last := reference
	for f := int64(0); f < count; f++ {
		cur := make([]byte, entrySize)
		for i := int64(0); i < entrySize; i++ {
			cur[i] = last[i] ^ packed[f*entrySize+i]
		}
		out = append(out, cur)
		last = cur
	}
	return out, nil
}

func byteBit(data []byte, i int64) int64 {
	if data[i/8]&(1<<(i%8)) != 0 {
		return 1
	}
	return 0
}

func appendBits(dst []byte, value int64, run int64) []byte {
	for i := int64(0); i < run; i++ {
		dst = append(dst, byte(value))
	}
	return dst
}
