package core

import (
	"errors"
	"testing"

	"github.com/dkeye/Mesh/internal/domain"
)

type stubSignal struct {
	sent int
	err  error
}

func (s *stubSignal) TrySend(Frame) error {
	if s.err != nil {
		return s.err
	}
	s.sent++
	return nil
}

func (s *stubSignal) Close() {}

func TestRoomOrderAndRoles(t *testing.T) {
	t.Parallel()

	r := NewRoom("r")
	for _, id := range []domain.UserID{"a", "b", "c"} {
		r.Add(domain.NewUser(id, string(id)), &stubSignal{})
	}
	_, idx, ok := r.Remove("a")
	if !ok || idx != 0 {
		t.Fatalf("expected a removed at 0, got %d %v", idx, ok)
	}
	if role, _ := r.Role("b"); role != domain.RoleHost {
		t.Fatalf("expected b host, got %s", role)
	}
	if role, _ := r.Role("c"); role != domain.RoleCohost {
		t.Fatalf("expected c cohost, got %s", role)
	}

	d := r.Add(domain.NewUser("d", "d"), &stubSignal{})
	if d.Seq != 3 {
		t.Fatalf("sequences must not be reused, got %d", d.Seq)
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[2].ID != "d" || snap[2].Role != domain.RoleParticipant {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRoomBroadcastReportsDropped(t *testing.T) {
	t.Parallel()

	r := NewRoom("r")
	from := &stubSignal{}
	ok := &stubSignal{}
	full := &stubSignal{err: errors.New("full")}
	r.Add(domain.NewUser("a", "a"), from)
	r.Add(domain.NewUser("b", "b"), ok)
	slow := r.Add(domain.NewUser("c", "c"), full)

	res := r.Broadcast("a", Frame(`{}`))
	if res.SendTo != 1 || len(res.Dropped) != 1 || res.Dropped[0] != slow {
		t.Fatalf("unexpected result: %+v", res)
	}
	if from.sent != 0 {
		t.Fatal("sender must be excluded")
	}
}
