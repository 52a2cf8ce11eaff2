package node

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/WanderningMaster/kademlia/configuration"
	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/routing"
	"github.com/WanderningMaster/kademlia/internal/rpc"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/transport"
)

var (
	anyIPv4 = endpoint.MustNew("0.0.0.0", configuration.DefaultPort)
	anyIPv6 = endpoint.MustNew("::", configuration.DefaultPort)
)

type harness struct {
	t     *testing.T
	svc   *service.Service
	net   *transport.Memory
	clock *clock.Mock
	rec   *transport.Recorder
}

func newHarness(t *testing.T, conf configuration.Config) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		net:   transport.NewMemory(),
		clock: clock.NewMock(),
		rec:   transport.NewRecorder(),
	}
	h.svc = service.New(h.net, service.WithConfig(conf), service.WithClock(h.clock), service.WithObserver(h.rec))
	t.Cleanup(func() { _ = h.svc.Close() })
	return h
}

// run polls, moving the clock forward whenever the service is idle, until
// done reports true.
func (h *harness) run(done func() bool) {
	h.t.Helper()
	for i := 0; i < 2000; i++ {
		if done() {
			return
		}
		if h.svc.Poll() == 0 {
			h.clock.Add(50 * time.Millisecond)
		}
	}
	h.t.Fatalf("condition not reached in bounded polls")
}

func (h *harness) settle() {
	for h.svc.Poll() > 0 {
	}
}

func (h *harness) first(self id.NodeID) *Session {
	h.t.Helper()
	s, err := NewFirstSession(h.svc, anyIPv4, anyIPv6, self)
	if err != nil {
		h.t.Fatalf("first session: %v", err)
	}
	return s
}

func (h *harness) join(peer *Session, self id.NodeID) *Session {
	h.t.Helper()
	s, err := NewSession(h.svc, peer.IPv4(), anyIPv4, anyIPv6, self)
	if err != nil {
		h.t.Fatalf("session: %v", err)
	}
	h.run(func() bool { return s.State() != Joining })
	if s.State() != Joined {
		h.t.Fatalf("join failed: %v", s.Err())
	}
	return s
}

func (h *harness) network(n int) []*Session {
	sessions := []*Session{h.first(id.RandomID())}
	for i := 1; i < n; i++ {
		sessions = append(sessions, h.join(sessions[i/2], id.RandomID()))
	}
	h.settle()
	return sessions
}

func TestFirstSessionSendsNothing(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s := h.first(id.RandomID())
	h.settle()

	if h.rec.Count() != 0 {
		t.Fatalf("first session sent %d messages", h.rec.Count())
	}
	if s.State() != Joined {
		t.Fatalf("state = %s, want JOINED", s.State())
	}
	if s.IPv4().String() != "10.0.0.1:27980" {
		t.Fatalf("ipv4 = %s", s.IPv4())
	}
	if s.IPv6().String() != "[fc00::1]:27980" {
		t.Fatalf("ipv6 = %s", s.IPv6())
	}
}

func TestJoinMessageSequence(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s1 := h.first(id.RandomID())
	h.rec.Clear()

	s2 := h.join(s1, id.RandomID())
	h.settle()

	// initial contact, then one lookup per bucket of s2, farthest first
	want := []rpc.Message{
		{From: s2.IPv4(), To: s1.IPv4(), Type: rpc.FindNodeRequest},
		{From: s1.IPv4(), To: s2.IPv4(), Type: rpc.FindNodeResponse},
	}
	for range id.Bits {
		want = append(want, rpc.Message{From: s2.IPv4(), To: s1.IPv4(), Type: rpc.FindNodeRequest})
	}
	for range id.Bits {
		want = append(want, rpc.Message{From: s1.IPv4(), To: s2.IPv4(), Type: rpc.FindNodeResponse})
	}
	got := h.rec.Messages()
	if len(got) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].SameRoute(want[i]) {
			t.Fatalf("message %d = %s, want %s", i, got[i], want[i])
		}
	}

	for i := 0; i < id.Bits; i++ {
		var body rpc.FindNodeRequestBody
		_, raw, err := rpc.DecodeHeader(got[2+i].Payload)
		if err == nil {
			err = rpc.DecodeBody(raw, &body)
		}
		if err != nil {
			t.Fatalf("decode announce %d: %v", i, err)
		}
		if cpl, bucket := id.CommonPrefixLen(s2.ID(), body.Target), id.Bits-1-i; cpl != bucket {
			t.Fatalf("announce %d targets bucket %d, want %d", i, cpl, bucket)
		}
	}

	if _, ok := s1.RoutingTable().Get(s2.ID()); !ok {
		t.Fatalf("first session does not know the joiner")
	}
	if _, ok := s2.RoutingTable().Get(s1.ID()); !ok {
		t.Fatalf("joiner does not know the first session")
	}
}

func TestThirdSessionLearnsEveryone(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s1 := h.first(id.RandomID())
	s2 := h.join(s1, id.RandomID())
	s3 := h.join(s1, id.RandomID())
	h.settle()

	for _, other := range []*Session{s1, s2} {
		if _, ok := s3.RoutingTable().Get(other.ID()); !ok {
			t.Fatalf("s3 does not know %s", other.ID().Short())
		}
		if _, ok := other.RoutingTable().Get(s3.ID()); !ok {
			t.Fatalf("%s does not know s3", other.ID().Short())
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	h := newHarness(t, configuration.Default())
	sessions := h.network(8)

	key, value := []byte("answer"), []byte{0, 42, 255}
	var saveErr error
	saved := false
	sessions[3].AsyncSave(key, value, func(err error) { saveErr, saved = err, true })
	h.run(func() bool { return saved })
	if saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}

	for _, s := range sessions {
		var got []byte
		var loadErr error
		loaded := false
		s.AsyncLoad(key, func(data []byte, err error) { got, loadErr, loaded = data, err, true })
		h.run(func() bool { return loaded })
		if loadErr != nil {
			t.Fatalf("load from %s: %v", s.ID().Short(), loadErr)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("load from %s = %v, want %v", s.ID().Short(), got, value)
		}
	}
}

func TestSaveOnLoneSessionStoresLocally(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s := h.first(id.RandomID())

	var saveErr error
	saved := false
	s.AsyncSave([]byte("k"), []byte("v"), func(err error) { saveErr, saved = err, true })
	if saved {
		t.Fatalf("save completed synchronously")
	}
	h.run(func() bool { return saved })
	if saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}
	if h.rec.Count() != 0 {
		t.Fatalf("lone session sent %d messages", h.rec.Count())
	}

	var got []byte
	loaded := false
	s.AsyncLoad([]byte("k"), func(data []byte, err error) { got, loaded = data, true })
	h.run(func() bool { return loaded })
	if string(got) != "v" {
		t.Fatalf("load = %q", got)
	}
}

func TestSaveFailsWhenPeersUnreachable(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s1 := h.first(id.RandomID())
	s2 := h.join(s1, id.RandomID())
	h.settle()
	_ = s1.Close()

	var saveErr error
	saved := false
	s2.AsyncSave([]byte("k"), []byte("v"), func(err error) { saveErr, saved = err, true })
	h.run(func() bool { return saved })

	if !errors.Is(saveErr, ErrStoreFailed) || !errors.Is(saveErr, service.ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrStoreFailed after the lookup timed out", saveErr)
	}
}

func TestSaveFailsWithoutStoreAck(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s1 := h.first(id.RandomID())
	s2 := h.join(s1, id.RandomID())
	h.settle()
	h.net.SetDropFilter(func(m rpc.Message) bool { return m.Type == rpc.StoreRequest })
	h.rec.Clear()

	var saveErr error
	saved := false
	s2.AsyncSave([]byte("k"), []byte("v"), func(err error) { saveErr, saved = err, true })
	h.run(func() bool { return saved })

	if !errors.Is(saveErr, ErrStoreFailed) {
		t.Fatalf("err = %v, want ErrStoreFailed", saveErr)
	}
	stores := 0
	for _, m := range h.rec.Messages() {
		if m.Type == rpc.StoreRequest && m.To == s1.IPv4() {
			stores++
		}
	}
	if stores == 0 {
		t.Fatalf("no STORE sent to the peer")
	}
}

func TestLookupDropsSilentPeer(t *testing.T) {
	h := newHarness(t, configuration.Default())
	sessions := h.network(8)
	silent := sessions[5]
	h.net.SetDropFilter(func(m rpc.Message) bool { return m.To == silent.IPv4() })
	h.rec.Clear()

	key, value := []byte("survivor"), []byte("still here")
	var saveErr error
	saved := false
	sessions[3].AsyncSave(key, value, func(err error) { saveErr, saved = err, true })
	h.run(func() bool { return saved })
	if saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}

	for _, s := range []*Session{sessions[0], sessions[6]} {
		var got []byte
		var loadErr error
		loaded := false
		s.AsyncLoad(key, func(data []byte, err error) { got, loadErr, loaded = data, err, true })
		h.run(func() bool { return loaded })
		if loadErr != nil {
			t.Fatalf("load from %s: %v", s.ID().Short(), loadErr)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("load from %s = %q, want %q", s.ID().Short(), got, value)
		}
	}

	asked := 0
	for _, m := range h.rec.Messages() {
		if m.To == silent.IPv4() && m.Type.IsRequest() {
			asked++
		}
		if m.From == silent.IPv4() && !m.Type.IsRequest() {
			t.Fatalf("silent session answered %s", m)
		}
	}
	if asked == 0 {
		t.Fatalf("no lookup queried the silent session")
	}
}

func TestLoadMissingKey(t *testing.T) {
	h := newHarness(t, configuration.Default())
	sessions := h.network(5)

	var got []byte
	var loadErr error
	loaded := false
	sessions[4].AsyncLoad([]byte("never saved"), func(data []byte, err error) {
		got, loadErr, loaded = data, err, true
	})
	h.run(func() bool { return loaded })

	if !errors.Is(loadErr, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", loadErr)
	}
	if len(got) != 0 {
		t.Fatalf("data = %v, want none", got)
	}
}

func TestFindValueMissAnswersWithPeers(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s1 := h.first(id.RandomID())
	s2 := h.join(s1, id.RandomID())
	h.settle()
	h.rec.Clear()

	loaded := false
	s2.AsyncLoad([]byte("missing"), func([]byte, error) { loaded = true })
	h.run(func() bool { return loaded })

	req, _ := h.rec.Pop()
	resp, _ := h.rec.Pop()
	if !req.SameRoute(rpc.Message{From: s2.IPv4(), To: s1.IPv4(), Type: rpc.FindValueRequest}) {
		t.Fatalf("unexpected request %s", req)
	}
	if !resp.SameRoute(rpc.Message{From: s1.IPv4(), To: s2.IPv4(), Type: rpc.FindNodeResponse}) {
		t.Fatalf("unexpected response %s", resp)
	}
}

func TestCloseDropsCallbacks(t *testing.T) {
	conf := configuration.Default()
	conf.PollBatch = 1
	h := newHarness(t, conf)
	sessions := h.network(4)
	s := sessions[3]

	calls := 0
	s.AsyncLoad([]byte("nothing"), func([]byte, error) { calls++ })
	s.AsyncSave([]byte("k"), []byte("v"), func(error) { calls++ })
	// one request answered, the answer still in flight
	h.svc.Poll()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("state = %s", s.State())
	}
	h.clock.Add(time.Minute)
	h.settle()

	if calls != 0 {
		t.Fatalf("%d callbacks ran after close", calls)
	}
	if h.svc.Outstanding() != 0 {
		t.Fatalf("%d requests outstanding after close", h.svc.Outstanding())
	}
}

func TestStaleResponseAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s1 := h.first(id.RandomID())
	s2 := h.join(s1, id.RandomID())
	h.settle()

	calls := 0
	s2.FindNode(id.RandomID(), func([]routing.Contact, error) { calls++ })
	var request rpc.Message
	for _, m := range h.rec.Messages() {
		if m.Type == rpc.FindNodeRequest && m.From == s2.IPv4() {
			request = m
		}
	}
	if request.Payload == nil {
		t.Fatalf("no request sent")
	}
	_ = s2.Close()

	// a response for the old token reaching a new session on the same address
	s3, err := NewFirstSession(h.svc, s2.IPv4(), endpoint.Endpoint{}, id.RandomID())
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	hdr, _, err := rpc.DecodeHeader(request.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	stale, err := rpc.NewMessage(s1.IPv4(), s3.IPv4(), rpc.Header{Type: rpc.FindNodeResponse, Source: s1.ID(), Token: hdr.Token}, rpc.FindNodeResponseBody{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.net.Send(stale); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.settle()
	if calls != 0 {
		t.Fatalf("closed session callback ran")
	}
}

func TestBootstrapUnreachablePeer(t *testing.T) {
	h := newHarness(t, configuration.Default())

	var joinErr error
	called := false
	s, err := NewSession(h.svc, endpoint.MustNew("10.9.9.9", configuration.DefaultPort), anyIPv4, anyIPv6, id.RandomID(),
		WithJoinHandler(func(err error) { joinErr, called = err, true }))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	h.run(func() bool { return called })

	if !errors.Is(joinErr, ErrBootstrapFailed) || !errors.Is(s.Err(), ErrBootstrapFailed) {
		t.Fatalf("err = %v, want ErrBootstrapFailed", joinErr)
	}
	if s.State() != Closed {
		t.Fatalf("state = %s, want CLOSED", s.State())
	}
}

func TestBootstrapSilentPeer(t *testing.T) {
	conf := configuration.Default()
	h := newHarness(t, conf)
	s1 := h.first(id.RandomID())
	h.net.SetDropFilter(func(m rpc.Message) bool { return m.To == s1.IPv4() })
	h.rec.Clear()

	s2, err := NewSession(h.svc, s1.IPv4(), anyIPv4, anyIPv6, id.RandomID())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	h.run(func() bool { return s2.State() != Joining })

	if !errors.Is(s2.Err(), ErrBootstrapFailed) || !errors.Is(s2.Err(), service.ErrRequestTimeout) {
		t.Fatalf("err = %v", s2.Err())
	}
	if h.rec.Count() != 1+conf.BootstrapRetries {
		t.Fatalf("sent %d join attempts, want %d", h.rec.Count(), 1+conf.BootstrapRetries)
	}
}

func TestOperationsQueuedWhileJoining(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s1 := h.first(id.RandomID())
	s2, err := NewSession(h.svc, s1.IPv4(), anyIPv4, anyIPv6, id.RandomID())
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	var saveErr error
	saved := false
	s2.AsyncSave([]byte("early"), []byte("bird"), func(err error) { saveErr, saved = err, true })
	h.run(func() bool { return saved })
	if saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}
	if s2.State() != Joined {
		t.Fatalf("state = %s", s2.State())
	}
}

func TestOperationsQueuedFailWithBootstrap(t *testing.T) {
	h := newHarness(t, configuration.Default())
	s, err := NewSession(h.svc, endpoint.MustNew("10.9.9.9", configuration.DefaultPort), anyIPv4, anyIPv6, id.RandomID())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	var loadErr error
	loaded := false
	s.AsyncLoad([]byte("k"), func(_ []byte, err error) { loadErr, loaded = err, true })
	h.run(func() bool { return loaded })
	if !errors.Is(loadErr, ErrBootstrapFailed) {
		t.Fatalf("err = %v, want ErrBootstrapFailed", loadErr)
	}
}

func TestSaveTooLarge(t *testing.T) {
	conf := configuration.Default()
	conf.MaxValueSize = 4
	h := newHarness(t, conf)
	s := h.first(id.RandomID())

	var saveErr error
	saved := false
	s.AsyncSave([]byte("k"), []byte("too big"), func(err error) { saveErr, saved = err, true })
	h.run(func() bool { return saved })
	if saveErr == nil {
		t.Fatalf("oversized value accepted")
	}
}

func TestFullBucketPingBeforeEvict(t *testing.T) {
	conf := configuration.Default()
	conf.KBucketK = 1
	h := newHarness(t, conf)

	s1 := h.first(id.MustFromHex("0000000000000000000000000000000000000001"))
	s2 := h.join(s1, id.MustFromHex("8000000000000000000000000000000000000001"))
	h.settle()

	// same bucket of s1 as s2, which is alive: newcomer discarded
	s3 := h.join(s1, id.MustFromHex("8000000000000000000000000000000000000002"))
	h.settle()
	if _, ok := s1.RoutingTable().Get(s2.ID()); !ok {
		t.Fatalf("live contact evicted")
	}
	if _, ok := s1.RoutingTable().Get(s3.ID()); ok {
		t.Fatalf("newcomer admitted into a full bucket of live contacts")
	}
	if n := s1.RoutingTable().Bucket(0).Len(); n != 1 {
		t.Fatalf("bucket holds %d contacts, want 1", n)
	}

	// s2 gone: the next newcomer replaces it
	_ = s2.Close()
	s4 := h.join(s1, id.MustFromHex("8000000000000000000000000000000000000003"))
	h.run(func() bool {
		_, ok := s1.RoutingTable().Get(s4.ID())
		return ok
	})
	if _, ok := s1.RoutingTable().Get(s2.ID()); ok {
		t.Fatalf("dead contact kept")
	}
}

func TestFindNode(t *testing.T) {
	h := newHarness(t, configuration.Default())
	sessions := h.network(6)
	target := sessions[5].ID()

	var got []routing.Contact
	done := false
	sessions[0].FindNode(target, func(c []routing.Contact, err error) {
		if err != nil {
			t.Fatalf("find node: %v", err)
		}
		got, done = c, true
	})
	h.run(func() bool { return done })
	if len(got) == 0 || got[0].ID != target {
		t.Fatalf("closest = %v, want %s first", got, target.Short())
	}
}

func TestBucketRefresh(t *testing.T) {
	conf := configuration.Default()
	h := newHarness(t, conf)
	s1 := h.first(id.RandomID())
	h.join(s1, id.RandomID())
	h.settle()
	h.rec.Clear()

	h.clock.Add(conf.RefreshInterval + time.Minute)
	h.settle()

	lookups := 0
	for _, m := range h.rec.Messages() {
		if m.Type == rpc.FindNodeRequest {
			lookups++
		}
	}
	if lookups == 0 {
		t.Fatalf("no refresh lookup after %s", conf.RefreshInterval)
	}
}
