package netcode

import "testing"

func TestFletcher16(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want uint16
	}{
		{"abcde", []byte("abcde"), 0xC8F0},
		{"abcdef", []byte("abcdef"), 0x2057},
		{"abcdefgh", []byte("abcdefgh"), 0x0627},
		{"empty", nil, 0x0000},
	}

	for _, tc := range cases {
		if got := Fletcher16(tc.data); got != tc.want {
			t.Errorf("%s: expected %04X, got %04X", tc.name, tc.want, got)
		}
	}
}

func TestCellSaveLoad(t *testing.T) {
	cell := new(GameStateCell)
	cell.Reset(12, 99)

	payload := []byte{1, 2, 3, 4}
	cell.Save(12, payload, 0)

	loaded := cell.Load()
	if len(loaded) != len(payload) {
		t.Fatalf("expected %d payload bytes, got %d", len(payload), len(loaded))
	}
	for i := range payload {
		if loaded[i] != payload[i] {
			t.Fatalf("payload byte %d mismatch", i)
		}
	}

	// derived from the payload when the host provides none
	if cell.Checksum() != int64(Fletcher16(payload)) {
		t.Errorf("expected payload-derived checksum, got %d", cell.Checksum())
	}

	// the payload is copied, not aliased
	payload[0] = 77
	if cell.Load()[0] == 77 {
		t.Error("cell payload aliases the caller's buffer")
	}
}

func TestCellSkippedPayloadFallsBackToInputChecksum(t *testing.T) {
	cell := new(GameStateCell)
	cell.Reset(3, 1234)
	cell.Save(3, nil, 0)

	if cell.Load() != nil {
		t.Error("expected no payload")
	}
	if cell.Checksum() != 1234 {
		t.Errorf("expected input-derived checksum 1234, got %d", cell.Checksum())
	}
}

func TestCellExplicitChecksumWins(t *testing.T) {
	cell := new(GameStateCell)
	cell.Reset(3, 1234)
	cell.Save(3, []byte{9, 9}, 4242)
	if cell.Checksum() != 4242 {
		t.Errorf("expected host checksum 4242, got %d", cell.Checksum())
	}
}
