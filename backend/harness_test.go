package backend

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/piepacker/rollnet/netcode"
	"github.com/piepacker/rollnet/network"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

// testGame is a deterministic toy simulation driven purely by the inputs
// and state the session hands back.
type testGame struct {
	state int64
	saves int64
}

func (g *testGame) step(inputs []netcode.SessionInput) {
	g.state = g.state*31 + 7
	for _, input := range inputs {
		if input.Status == netcode.InputDisconnected {
			g.state += 3
			continue
		}
		for _, b := range input.Bits {
			g.state += int64(b)
		}
	}
}

func (g *testGame) fulfill(t *testing.T, requests []netcode.Request) {
	t.Helper()
	for _, req := range requests {
		switch req.Type {
		case netcode.RequestSaveGameState:
			g.saves++
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(g.state))
			req.Cell.Save(req.Frame, buf, 0)
		case netcode.RequestLoadGameState:
			buf := req.Cell.Load()
			if buf == nil {
				t.Fatalf("load request for frame %d found an empty cell", req.Frame)
			}
			g.state = int64(binary.LittleEndian.Uint64(buf))
		case netcode.RequestAdvanceFrame:
			g.step(req.Inputs)
		}
	}
}

// p2pPair runs two sessions against each other over an in-memory network.
type p2pPair struct {
	net          *network.MockNetwork
	sessA, sessB *P2PSession
	gameA, gameB *testGame
	eventsA      []netcode.Event
	eventsB      []netcode.Event
}

func newP2PPair(t *testing.T, frameDelay int64) *p2pPair {
	t.Helper()
	p := &p2pPair{
		net:   network.NewMockNetwork(),
		gameA: new(testGame),
		gameB: new(testGame),
	}

	p.sessA = new(P2PSession)
	p.sessA.Init(2, 4, p.net.Socket("A"))
	if _, err := p.sessA.AddPlayer(netcode.Player{Type: netcode.PLAYERTYPE_LOCAL, PlayerNum: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.sessA.AddPlayer(netcode.Player{Type: netcode.PLAYERTYPE_REMOTE, PlayerNum: 2, Addr: "B"}); err != nil {
		t.Fatal(err)
	}

	p.sessB = new(P2PSession)
	p.sessB.Init(2, 4, p.net.Socket("B"))
	if _, err := p.sessB.AddPlayer(netcode.Player{Type: netcode.PLAYERTYPE_LOCAL, PlayerNum: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.sessB.AddPlayer(netcode.Player{Type: netcode.PLAYERTYPE_REMOTE, PlayerNum: 1, Addr: "A"}); err != nil {
		t.Fatal(err)
	}

	if frameDelay > 0 {
		if err := p.sessA.SetFrameDelay(0, frameDelay); err != nil {
			t.Fatal(err)
		}
		if err := p.sessB.SetFrameDelay(1, frameDelay); err != nil {
			t.Fatal(err)
		}
	}

	return p
}

func (p *p2pPair) start(t *testing.T) {
	t.Helper()
	if err := p.sessA.StartSession(); err != nil {
		t.Fatal(err)
	}
	if err := p.sessB.StartSession(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		if p.sessA.CurrentState() == netcode.Running && p.sessB.CurrentState() == netcode.Running {
			break
		}
		p.sessA.PollRemoteClients()
		p.sessB.PollRemoteClients()
	}
	if p.sessA.CurrentState() != netcode.Running || p.sessB.CurrentState() != netcode.Running {
		t.Fatal("sessions never finished synchronizing")
	}
	p.drainEvents()
}

func (p *p2pPair) drainEvents() {
	p.eventsA = append(p.eventsA, p.sessA.Events()...)
	p.eventsB = append(p.eventsB, p.sessB.Events()...)
}

// inputFor derives the player input from the session's current frame so
// that retried frames stage identical payloads.
func inputFor(sess *P2PSession) []byte {
	frame := sess.CurrentFrame()
	return []byte{byte(frame % 4), 0, 0, byte(frame % 7)}
}

// tick advances one session by one frame, fulfilling its requests.
func tickSession(t *testing.T, sess *P2PSession, game *testGame, handle netcode.PlayerHandle, input []byte) error {
	t.Helper()
	if err := sess.AddLocalInput(handle, input); err != nil {
		return err
	}
	requests, err := sess.AdvanceFrame()
	if err != nil {
		return err
	}
	game.fulfill(t, requests)
	return nil
}

func (p *p2pPair) tick(t *testing.T, inputA []byte, inputB []byte) (error, error) {
	t.Helper()
	errA := tickSession(t, p.sessA, p.gameA, 0, inputA)
	errB := tickSession(t, p.sessB, p.gameB, 1, inputB)
	p.drainEvents()
	return errA, errB
}

func countEvents(events []netcode.Event, code netcode.EventCode) int {
	count := 0
	for _, evt := range events {
		if evt.Code == code {
			count++
		}
	}
	return count
}
