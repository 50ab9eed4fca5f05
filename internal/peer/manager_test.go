package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/syncwatch/internal/protocol"
)

// ---------------------------------------------------------------------------
// Doubles
// ---------------------------------------------------------------------------

// badSDP is rejected by fakeConn like an unparseable description.
const badSDP = "not-sdp"

type fakeConn struct {
	peerID    string
	initiator bool
	ev        ConnEvents
	failSend  bool
	gather    bool // emit a local candidate while accepting an offer

	mu         sync.Mutex
	calls      []string // in call order
	candidates []string
	sent       [][]byte
	closed     bool
}

func (c *fakeConn) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeConn) CreateOffer() (string, error) {
	c.record("offer")
	return "offer-from-me-to-" + c.peerID, nil
}

func (c *fakeConn) AcceptOffer(sdp string) (string, error) {
	c.record("accept-offer:" + sdp)
	if sdp == badSDP {
		return "", errors.New("malformed offer")
	}
	if c.gather {
		c.ev.OnCandidate(json.RawMessage(`{"candidate":"gathered"}`))
	}
	return "answer-to:" + sdp, nil
}

func (c *fakeConn) AcceptAnswer(sdp string) error {
	c.record("accept-answer:" + sdp)
	if sdp == badSDP {
		return errors.New("malformed answer")
	}
	return nil
}

func (c *fakeConn) AddCandidate(raw json.RawMessage) error {
	c.record("candidate")
	c.mu.Lock()
	c.candidates = append(c.candidates, string(raw))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Send(data []byte) error {
	if c.failSend {
		return errors.New("channel broken")
	}
	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failSend map[string]bool
	gather   bool
}

func (d *fakeDialer) Dial(peerID string, initiator bool, ev ConnEvents) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{peerID: peerID, initiator: initiator, ev: ev, failSend: d.failSend[peerID], gather: d.gather}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (s *fakeSignaler) Send(m protocol.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.sent...)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type harness struct {
	*Manager
	dialer *fakeDialer
	sig    *fakeSignaler
	timers []*fakeTimer
	got    map[string][][]byte
}

func newHarness() *harness {
	h := &harness{
		dialer: &fakeDialer{failSend: map[string]bool{}},
		sig:    &fakeSignaler{},
		got:    map[string][][]byte{},
	}
	h.Manager = NewManager(Options{
		Dialer:   h.dialer,
		Signaler: h.sig,
		AfterFunc: func(d time.Duration, f func()) Timer {
			t := &fakeTimer{delay: d, fn: f}
			h.timers = append(h.timers, t)
			return t
		},
		OnMessage: func(peerID string, data []byte) {
			h.got[peerID] = append(h.got[peerID], data)
		},
	})
	return h
}

func (h *harness) joinAs(self string, others ...string) {
	ps := []protocol.Participant{{ID: self, Username: self}}
	for _, o := range others {
		ps = append(ps, protocol.Participant{ID: o, Username: o})
	}
	h.HandleRoomState(protocol.RoomState{Self: self, RoomID: "r1", Participants: ps})
}

func (h *harness) linkState(peerID string) (LinkInfo, bool) {
	for _, li := range h.Links() {
		if li.PeerID == peerID {
			return li, true
		}
	}
	return LinkInfo{}, false
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

func TestExistingMemberInitiates(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})

	dials := alice.dialer.dials()
	if len(dials) != 1 || dials[0].peerID != "b" || !dials[0].initiator {
		t.Fatalf("dials = %+v, want one initiating dial to b", dials)
	}
	msgs := alice.sig.messages()
	offer, ok := msgs[0].(protocol.Offer)
	if len(msgs) != 1 || !ok || offer.Target != "b" || offer.SDP == "" {
		t.Fatalf("signaled = %+v, want one offer to b", msgs)
	}

	// The newcomer only learns about members; it waits for their offers.
	bob := newHarness()
	bob.joinAs("b", "a")
	if n := len(bob.dialer.dials()); n != 0 {
		t.Errorf("newcomer dialed %d peers", n)
	}
	if bob.Members()["a"] != "a" {
		t.Errorf("members = %v", bob.Members())
	}
}

func TestOfferAnsweredToSender(t *testing.T) {
	bob := newHarness()
	bob.joinAs("b", "a")
	bob.HandleOffer(protocol.Offer{Sender: "a", SDP: "sdp-a"})

	conn := bob.dialer.last()
	if conn.initiator || conn.peerID != "a" {
		t.Fatalf("dial = %+v, want a receiving dial to a", conn)
	}
	msgs := bob.sig.messages()
	answer, ok := msgs[len(msgs)-1].(protocol.Answer)
	if !ok || answer.Target != "a" || answer.SDP != "answer-to:sdp-a" {
		t.Errorf("signaled = %+v", msgs)
	}
	if li, _ := bob.linkState("a"); li.State != ConnConnecting {
		t.Errorf("link state = %s, want connecting", li.State)
	}
}

func TestAnswerAppliedOnce(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})

	alice.HandleAnswer(protocol.Answer{Sender: "b", SDP: "sdp-b"})
	alice.HandleAnswer(protocol.Answer{Sender: "b", SDP: "sdp-b-again"})
	alice.HandleAnswer(protocol.Answer{Sender: "ghost", SDP: "x"})

	calls := alice.dialer.last().callLog()
	answers := 0
	for _, c := range calls {
		if c == "accept-answer:sdp-b" {
			answers++
		}
		if c == "accept-answer:sdp-b-again" {
			t.Error("second answer was applied")
		}
	}
	if answers != 1 {
		t.Errorf("calls = %v", calls)
	}
}

// TestEarlyCandidatesHeld verifies that candidates arriving before the offer
// are applied to the link, not dropped.
func TestEarlyCandidatesHeld(t *testing.T) {
	bob := newHarness()
	bob.joinAs("b", "a")

	c1 := json.RawMessage(`{"candidate":"one"}`)
	c2 := json.RawMessage(`{"candidate":"two"}`)
	bob.HandleCandidate(protocol.ICECandidate{Sender: "a", Candidate: c1})
	bob.HandleOffer(protocol.Offer{Sender: "a", SDP: "sdp-a"})
	bob.HandleCandidate(protocol.ICECandidate{Sender: "a", Candidate: c2})

	conn := bob.dialer.last()
	if len(conn.candidates) != 2 || conn.candidates[0] != string(c1) || conn.candidates[1] != string(c2) {
		t.Errorf("candidates = %v", conn.candidates)
	}
}

func TestLocalCandidatesSignaled(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})

	alice.dialer.last().ev.OnCandidate(json.RawMessage(`{"candidate":"mine"}`))
	msgs := alice.sig.messages()
	c, ok := msgs[len(msgs)-1].(protocol.ICECandidate)
	if !ok || c.Target != "b" || string(c.Candidate) != `{"candidate":"mine"}` {
		t.Errorf("last signaled = %+v", msgs[len(msgs)-1])
	}
}

func TestOfferCollision(t *testing.T) {
	// "a" < "b": a keeps its own offer and ignores b's.
	alice := newHarness()
	alice.joinAs("a", "b")
	alice.connect("b", 0)
	alice.HandleOffer(protocol.Offer{Sender: "b", SDP: "sdp-b"})
	if n := len(alice.dialer.dials()); n != 1 {
		t.Errorf("smaller id: %d dials, want 1", n)
	}
	if alice.dialer.last().isClosed() {
		t.Error("smaller id closed its own offer")
	}

	// "c" > "b": c drops its offer and answers b's.
	carol := newHarness()
	carol.joinAs("c", "b")
	carol.connect("b", 0)
	ours := carol.dialer.last()
	carol.HandleOffer(protocol.Offer{Sender: "b", SDP: "sdp-b"})

	dials := carol.dialer.dials()
	if len(dials) != 2 || dials[1].initiator {
		t.Fatalf("larger id: dials = %+v", dials)
	}
	if !ours.isClosed() {
		t.Error("larger id did not close its own offer")
	}
}

func TestMalformedAnswerDiscarded(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})
	conn := alice.dialer.last()

	alice.HandleAnswer(protocol.Answer{Sender: "b", SDP: badSDP})
	if _, ok := alice.linkState("b"); !ok {
		t.Fatal("link dropped after a malformed answer")
	}
	if conn.isClosed() {
		t.Fatal("conn closed after a malformed answer")
	}

	alice.HandleAnswer(protocol.Answer{Sender: "b", SDP: "sdp-b"})
	calls := conn.callLog()
	if last := calls[len(calls)-1]; last != "accept-answer:sdp-b" {
		t.Errorf("calls = %v, want the valid answer applied", calls)
	}
}

func TestMalformedOfferKeepsLink(t *testing.T) {
	bob := newHarness()
	bob.joinAs("b", "a")
	bob.HandleOffer(protocol.Offer{Sender: "a", SDP: "sdp-a"})
	good := bob.dialer.last()
	good.ev.OnState(ConnConnected)
	good.ev.OnChannel(ChannelOpen)
	answers := len(bob.sig.messages())

	bob.HandleOffer(protocol.Offer{Sender: "a", SDP: badSDP})

	rejected := bob.dialer.last()
	if rejected == good || !rejected.isClosed() {
		t.Error("conn for the malformed offer not closed")
	}
	if good.isClosed() {
		t.Fatal("open link closed by a malformed offer")
	}
	li, ok := bob.linkState("a")
	if !ok || li.State != ConnConnected || li.Channel != ChannelOpen {
		t.Errorf("link = %+v, %v", li, ok)
	}
	if n := len(bob.sig.messages()); n != answers {
		t.Errorf("signaled %d messages for a malformed offer", n-answers)
	}
	if n := bob.Broadcast([]byte("still here")); n != 1 {
		t.Errorf("Broadcast reached %d peers, want 1", n)
	}

	// Callbacks from the rejected conn do not touch the live link.
	rejected.ev.OnState(ConnFailed)
	rejected.ev.OnMessage([]byte("stray"))
	if len(bob.timers) != 0 || len(bob.got["a"]) != 0 {
		t.Errorf("rejected conn leaked events: timers=%d got=%q", len(bob.timers), bob.got["a"])
	}
}

// TestCandidatesGatheredBeforeAnswer verifies that local candidates found
// while accepting an offer follow the answer instead of being dropped.
func TestCandidatesGatheredBeforeAnswer(t *testing.T) {
	bob := newHarness()
	bob.dialer.gather = true
	bob.joinAs("b", "a")
	bob.HandleOffer(protocol.Offer{Sender: "a", SDP: "sdp-a"})

	msgs := bob.sig.messages()
	if len(msgs) != 2 {
		t.Fatalf("signaled = %+v, want answer then candidate", msgs)
	}
	if _, ok := msgs[0].(protocol.Answer); !ok {
		t.Errorf("first signaled = %+v, want answer", msgs[0])
	}
	if c, ok := msgs[1].(protocol.ICECandidate); !ok || c.Target != "a" {
		t.Errorf("second signaled = %+v, want candidate to a", msgs[1])
	}
}

// ---------------------------------------------------------------------------
// Failure and retry
// ---------------------------------------------------------------------------

func TestFailedLinkRetriedOnce(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})
	first := alice.dialer.last()

	first.ev.OnState(ConnFailed)
	first.ev.OnState(ConnFailed)
	if len(alice.timers) != 1 || alice.timers[0].delay != 2*time.Second {
		t.Fatalf("timers = %+v, want exactly one 2s retry", alice.timers)
	}

	alice.timers[0].fn()
	second := alice.dialer.last()
	if second == first || !second.initiator {
		t.Fatal("retry did not redial")
	}
	if !first.isClosed() {
		t.Error("failed conn not closed on retry")
	}

	// The retry itself fails: the link is given up.
	second.ev.OnState(ConnFailed)
	if len(alice.timers) != 1 {
		t.Errorf("scheduled %d retries, want 1", len(alice.timers))
	}
	if _, ok := alice.linkState("b"); ok {
		t.Error("link kept after the retry failed")
	}
	if !second.isClosed() {
		t.Error("conn not closed after giving up")
	}
}

func TestRetryBudgetResetsOnConnect(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})

	alice.dialer.last().ev.OnState(ConnFailed)
	alice.timers[0].fn()
	retried := alice.dialer.last()
	retried.ev.OnState(ConnConnected)
	retried.ev.OnState(ConnFailed)

	if len(alice.timers) != 2 {
		t.Errorf("timers = %d, want a fresh retry after reconnecting", len(alice.timers))
	}
}

// TestRetryChecksMembershipAtFireTime fires the retry even though it was
// stopped, as a real timer may already be running when Stop is called.
func TestRetryChecksMembershipAtFireTime(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})
	alice.dialer.last().ev.OnState(ConnFailed)

	alice.HandleUserLeft(protocol.UserLeft{ID: "b", Username: "bob"})
	if !alice.timers[0].stopped {
		t.Error("pending retry not stopped on departure")
	}

	alice.timers[0].fn()
	if n := len(alice.dialer.dials()); n != 1 {
		t.Errorf("redialed a departed peer: %d dials", n)
	}
	if len(alice.Links()) != 0 {
		t.Errorf("links = %+v", alice.Links())
	}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	carol := newHarness()
	carol.joinAs("c", "b")
	carol.connect("b", 0)
	old := carol.dialer.last()
	carol.HandleOffer(protocol.Offer{Sender: "b", SDP: "sdp-b"})

	old.ev.OnState(ConnFailed)
	old.ev.OnMessage([]byte("late"))
	if len(carol.timers) != 0 {
		t.Error("replaced conn scheduled a retry")
	}
	if len(carol.got["b"]) != 0 {
		t.Error("message from a replaced conn delivered")
	}
}

// ---------------------------------------------------------------------------
// Side-channel
// ---------------------------------------------------------------------------

func TestBroadcastBestEffort(t *testing.T) {
	alice := newHarness()
	alice.dialer.failSend["c"] = true
	alice.joinAs("a")
	for _, id := range []string{"b", "c", "d", "e"} {
		alice.HandleUserJoined(protocol.UserJoined{ID: id, Username: id})
	}
	// "e" never opens its channel.
	for _, c := range alice.dialer.dials()[:3] {
		c.ev.OnChannel(ChannelOpen)
	}

	if n := alice.Broadcast([]byte("hello")); n != 2 {
		t.Errorf("Broadcast reached %d peers, want 2", n)
	}
	for _, c := range alice.dialer.dials() {
		want := 0
		if c.peerID == "b" || c.peerID == "d" {
			want = 1
		}
		if len(c.sent) != want {
			t.Errorf("peer %s got %d messages, want %d", c.peerID, len(c.sent), want)
		}
	}

	if err := alice.Send("e", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Send to unopened channel: err = %v", err)
	}
	if err := alice.Send("zed", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Send to unknown peer: err = %v", err)
	}
}

func TestInboundMessagesTagged(t *testing.T) {
	bob := newHarness()
	bob.joinAs("b", "a")
	bob.HandleOffer(protocol.Offer{Sender: "a", SDP: "sdp-a"})
	bob.dialer.last().ev.OnMessage([]byte(`{"type":"chat"}`))

	if got := bob.got["a"]; len(got) != 1 || string(got[0]) != `{"type":"chat"}` {
		t.Errorf("delivered = %q", got)
	}
}

func TestResetTearsDownEverything(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})
	alice.HandleUserJoined(protocol.UserJoined{ID: "c", Username: "carol"})
	alice.dialer.dials()[0].ev.OnState(ConnFailed)

	alice.Reset()

	for _, c := range alice.dialer.dials() {
		if !c.isClosed() {
			t.Errorf("conn to %s left open", c.peerID)
		}
	}
	if !alice.timers[0].stopped {
		t.Error("pending retry survived reset")
	}
	if len(alice.Links()) != 0 || len(alice.Members()) != 0 || alice.Self() != "" {
		t.Errorf("state after reset: links=%v members=%v self=%q", alice.Links(), alice.Members(), alice.Self())
	}
}

func TestUserLeftClosesLink(t *testing.T) {
	alice := newHarness()
	alice.joinAs("a")
	alice.HandleUserJoined(protocol.UserJoined{ID: "b", Username: "bob"})
	conn := alice.dialer.last()

	alice.HandleUserLeft(protocol.UserLeft{ID: "b", Username: "bob"})
	if !conn.isClosed() {
		t.Error("link to departed peer left open")
	}
	if _, ok := alice.Members()["b"]; ok {
		t.Error("departed peer still a member")
	}
}
