package app

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
)

type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	full   bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return domain.ErrChannelClosed
	}
	if f.full {
		return domain.ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSignal) messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.frames))
	for _, fr := range f.frames {
		m, err := protocol.Decode(fr)
		if err != nil {
			t.Fatalf("decode %s: %v", fr, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeSignal) ofType(t *testing.T, typ protocol.Type) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, m := range f.messages(t) {
		if m.MessageType() == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignal) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func newTestCoordinator() *Coordinator {
	c := NewCoordinator("lobby", SimplePolicy{})
	c.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func admit(t *testing.T, c *Coordinator, id, room string) *fakeSignal {
	t.Helper()
	sig := &fakeSignal{}
	if _, err := c.Admit(domain.UserID(id), sig, id+"-name", room); err != nil {
		t.Fatalf("admit %s: %v", id, err)
	}
	return sig
}

func rolesOf(members []core.MemberDTO) map[domain.UserID]domain.Role {
	out := make(map[domain.UserID]domain.Role, len(members))
	for _, m := range members {
		out[m.ID] = m.Role
	}
	return out
}

func TestAdmitSendsRoomJoinedAndAnnounces(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "")
	b := admit(t, c, "b", "")

	joined := b.ofType(t, protocol.TypeRoomJoined)
	if len(joined) != 1 {
		t.Fatalf("expected 1 room-joined, got %d", len(joined))
	}
	rj := joined[0].(protocol.RoomJoined)
	if rj.SelfID != "b" || rj.SelfRole != domain.RoleCohost || rj.RoomID != "lobby" {
		t.Fatalf("unexpected room-joined: %+v", rj)
	}
	if len(rj.Members) != 2 || rj.Members[0].ID != "a" || rj.Members[0].Role != domain.RoleHost {
		t.Fatalf("unexpected members: %+v", rj.Members)
	}

	announced := a.ofType(t, protocol.TypeUserJoined)
	if len(announced) != 1 {
		t.Fatalf("expected 1 user-joined for a, got %d", len(announced))
	}
	uj := announced[0].(protocol.UserJoined)
	if uj.ID != "b" || uj.Name != "b-name" || uj.Role != domain.RoleCohost {
		t.Fatalf("unexpected user-joined: %+v", uj)
	}
	if got := b.ofType(t, protocol.TypeUserJoined); len(got) != 0 {
		t.Fatalf("joiner must not receive its own user-joined, got %d", len(got))
	}
}

func TestHostPromotionAfterLeave(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	admit(t, c, "a", "r")
	b := admit(t, c, "b", "r")
	cc := admit(t, c, "c", "r")

	if !c.Remove("a") {
		t.Fatal("expected a to be removed")
	}
	members, ok := c.Members("r")
	if !ok {
		t.Fatal("room r should exist")
	}
	roles := rolesOf(members)
	if roles["b"] != domain.RoleHost || roles["c"] != domain.RoleCohost {
		t.Fatalf("unexpected roles after host left: %v", roles)
	}
	if role, _ := c.RoleOf("b"); role != domain.RoleHost {
		t.Fatalf("expected b host, got %s", role)
	}

	for _, sig := range []*fakeSignal{b, cc} {
		if got := sig.ofType(t, protocol.TypeUserLeft); len(got) != 1 {
			t.Fatalf("expected user-left, got %d", len(got))
		}
		updates := sig.ofType(t, protocol.TypeRolesUpdated)
		if len(updates) != 1 {
			t.Fatalf("expected roles-updated, got %d", len(updates))
		}
		if r := rolesOf(updates[0].(protocol.RolesUpdated).Members); r["b"] != domain.RoleHost {
			t.Fatalf("roles-updated does not promote b: %v", r)
		}
	}
}

func TestRemoveParticipantDoesNotBroadcastRoles(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "r")
	admit(t, c, "b", "r")
	admit(t, c, "c", "r")
	a.reset()

	c.Remove("c")
	if got := a.ofType(t, protocol.TypeRolesUpdated); len(got) != 0 {
		t.Fatalf("no role changed, expected no roles-updated, got %d", len(got))
	}
}

func TestSingleHostInvariant(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		admit(t, c, id, "r")
	}
	for _, leaving := range []string{"c", "a", "e", "b"} {
		c.Remove(domain.UserID(leaving))
		members, ok := c.Members("r")
		if !ok {
			t.Fatal("room disappeared early")
		}
		hosts := 0
		for i, m := range members {
			if m.Role == domain.RoleHost {
				hosts++
				if i != 0 {
					t.Fatalf("host is not the earliest member: %+v", members)
				}
			}
		}
		if hosts != 1 {
			t.Fatalf("expected exactly one host, got %d", hosts)
		}
	}
}

func TestRelayAddressing(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "r")
	b := admit(t, c, "b", "r")
	x := admit(t, c, "x", "r")
	for _, s := range []*fakeSignal{a, b, x} {
		s.reset()
	}

	payload := json.RawMessage(`{"sdp":"v=0"}`)
	err := c.Relay("a", protocol.Signal{Type: protocol.TypeOffer, TargetID: "x", SenderID: "spoofed", Payload: payload})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if got := b.ofType(t, protocol.TypeOffer); len(got) != 0 {
		t.Fatalf("b must not receive a unicast to x, got %d", len(got))
	}
	offers := x.ofType(t, protocol.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("expected x to receive 1 offer, got %d", len(offers))
	}
	if s := offers[0].(protocol.Signal); s.SenderID != "a" || string(s.Payload) != string(payload) {
		t.Fatalf("unexpected relayed copy: %+v", s)
	}

	if err := c.Relay("a", protocol.Signal{Type: protocol.TypeCandidate, Payload: payload}); err != nil {
		t.Fatalf("broadcast relay: %v", err)
	}
	if got := a.ofType(t, protocol.TypeCandidate); len(got) != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if len(b.ofType(t, protocol.TypeCandidate)) != 1 || len(x.ofType(t, protocol.TypeCandidate)) != 1 {
		t.Fatal("broadcast must reach every other member")
	}
}

func TestRelayUnknownTargetIsDropped(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	admit(t, c, "a", "r")
	b := admit(t, c, "b", "r")
	b.reset()

	err := c.Relay("a", protocol.Signal{Type: protocol.TypeAnswer, TargetID: "ghost", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, domain.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	if len(b.messages(t)) != 0 {
		t.Fatal("nothing should be delivered")
	}
}

func TestRelayRequiresMembership(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	err := c.Relay("stranger", protocol.Signal{Type: protocol.TypeOffer, Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, domain.ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom, got %v", err)
	}
}

func TestRelayDoesNotCrossRooms(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	admit(t, c, "a", "r1")
	other := admit(t, c, "b", "r2")
	other.reset()

	err := c.Relay("a", protocol.Signal{Type: protocol.TypeOffer, TargetID: "b", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, domain.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	if len(other.messages(t)) != 0 {
		t.Fatal("relay leaked into another room")
	}
}

func TestMuteAuthorization(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "r")
	b := admit(t, c, "b", "r")
	p := admit(t, c, "p", "r")
	for _, s := range []*fakeSignal{a, b, p} {
		s.reset()
	}

	if err := c.MuteOne("p", "a", true); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := c.MuteAll("p", true); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for mute-all, got %v", err)
	}
	if got := a.ofType(t, protocol.TypeMuteRequest); len(got) != 0 {
		t.Fatalf("unauthorized mute delivered %d requests", len(got))
	}

	if err := c.MuteOne("a", "p", true); err != nil {
		t.Fatalf("host mute: %v", err)
	}
	reqs := p.ofType(t, protocol.TypeMuteRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 mute-request, got %d", len(reqs))
	}
	if mr := reqs[0].(protocol.MuteRequest); !mr.Muted || mr.ByID != "a" {
		t.Fatalf("unexpected mute-request: %+v", mr)
	}
	if got := b.ofType(t, protocol.TypeMuteRequest); len(got) != 0 {
		t.Fatal("mute-one must reach the target only")
	}

	if err := c.MuteAll("b", false); err != nil {
		t.Fatalf("cohost mute-all: %v", err)
	}
	if len(a.ofType(t, protocol.TypeMuteRequest)) != 1 || len(p.ofType(t, protocol.TypeMuteRequest)) != 2 {
		t.Fatal("mute-all must reach every other member")
	}
	if len(b.ofType(t, protocol.TypeMuteRequest)) != 0 {
		t.Fatal("mute-all must not reach the sender")
	}
}

func TestMuteAuthorizationFollowsPromotion(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	admit(t, c, "a", "r")
	admit(t, c, "b", "r")
	admit(t, c, "c", "r")

	if err := c.MuteAll("c", true); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	c.Remove("a")
	if err := c.MuteAll("c", true); err != nil {
		t.Fatalf("c became cohost, expected success, got %v", err)
	}
}

func TestChatBroadcast(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "r")
	b := admit(t, c, "b", "r")
	a.reset()
	b.reset()

	if err := c.Chat("a", "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(a.ofType(t, protocol.TypeChat)) != 0 {
		t.Fatal("sender renders its own chat optimistically")
	}
	chats := b.ofType(t, protocol.TypeChat)
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(chats))
	}
	ch := chats[0].(protocol.Chat)
	if ch.SenderID != "a" || ch.Name != "a-name" || ch.Text != "hello" || ch.ServerTimestamp != 1700000000000 {
		t.Fatalf("unexpected chat: %+v", ch)
	}
}

func TestEmptyRoomCleanup(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	admit(t, c, "a", "R")
	admit(t, c, "b", "R")
	c.Remove("a")
	c.Disconnect("b")

	if _, ok := c.Members("R"); ok {
		t.Fatal("empty room must be deleted")
	}
	for _, info := range c.Rooms() {
		if info.ID == "R" {
			t.Fatal("empty room listed")
		}
	}

	fresh := admit(t, c, "c", "R")
	rj := fresh.ofType(t, protocol.TypeRoomJoined)[0].(protocol.RoomJoined)
	if len(rj.Members) != 1 || rj.SelfRole != domain.RoleHost {
		t.Fatalf("expected a fresh room, got %+v", rj)
	}
}

func TestJoiningSecondRoomLeavesFirst(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "r1")
	b := &fakeSignal{}
	if _, err := c.Admit("b", b, "b", "r1"); err != nil {
		t.Fatal(err)
	}
	a.reset()

	p, err := c.Admit("b", b, "b", "r2")
	if err != nil {
		t.Fatal(err)
	}
	if p.RoomID != "r2" || p.Role != domain.RoleHost {
		t.Fatalf("unexpected participant: %+v", p)
	}
	if got := a.ofType(t, protocol.TypeUserLeft); len(got) != 1 {
		t.Fatalf("expected user-left in r1, got %d", len(got))
	}
	members, _ := c.Members("r1")
	if len(members) != 1 {
		t.Fatalf("b must no longer be in r1: %+v", members)
	}
}

func TestDuplicateJoinKeepsSequence(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	admit(t, c, "a", "r")
	b := &fakeSignal{}
	first, err := c.Admit("b", b, "b", "r")
	if err != nil {
		t.Fatal(err)
	}
	again, err := c.Admit("b", b, "b", "r")
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq != again.Seq || again.Role != domain.RoleCohost {
		t.Fatalf("duplicate join changed standing: %+v vs %+v", first, again)
	}
	if got := b.ofType(t, protocol.TypeRoomJoined); len(got) != 2 {
		t.Fatalf("expected a second room-joined snapshot, got %d", len(got))
	}
}

func TestAdmitClosedChannelIsNoop(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "r")
	a.reset()

	dead := &fakeSignal{closed: true}
	if _, err := c.Admit("z", dead, "z", "r"); !errors.Is(err, domain.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if len(a.messages(t)) != 0 {
		t.Fatal("closed channel admission must not be announced")
	}
	members, _ := c.Members("r")
	if len(members) != 1 {
		t.Fatalf("closed channel must not stay a member: %+v", members)
	}
}

func TestBackpressureKicksMember(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	a := admit(t, c, "a", "r")
	slow := admit(t, c, "slow", "r")
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()
	a.reset()

	if err := c.Chat("a", "ping"); err != nil {
		t.Fatal(err)
	}
	slow.mu.Lock()
	closed := slow.closed
	slow.mu.Unlock()
	if !closed {
		t.Fatal("backed-up channel must be closed")
	}
	members, _ := c.Members("r")
	if len(members) != 1 || members[0].ID != "a" {
		t.Fatalf("slow member must be removed: %+v", members)
	}
	if got := a.ofType(t, protocol.TypeUserLeft); len(got) != 1 {
		t.Fatalf("expected user-left for kicked member, got %d", len(got))
	}
}

func TestConcurrentAdmitsKeepUniqueSequences(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	const n = 32
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Admit(domain.NewUserID(), &fakeSignal{}, "x", "busy")
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			seqs <- p.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate join sequence %d", s)
		}
		seen[s] = true
	}
	members, _ := c.Members("busy")
	if len(members) != n {
		t.Fatalf("expected %d members, got %d", n, len(members))
	}
}
