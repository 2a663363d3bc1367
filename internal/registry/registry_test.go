package registry

import (
	"context"
	"testing"
	"time"
)

type fakeSession struct {
	slot  int
	nick  string
	guest bool
}

func (f *fakeSession) Slot() int        { return f.slot }
func (f *fakeSession) SetSlot(slot int) { f.slot = slot }
func (f *fakeSession) Nickname() string { return f.nick }
func (f *fakeSession) Guest() bool      { return f.guest }

func TestInsertAssignsFirstFreeSlot(t *testing.T) {
	r := New(1) // capacity 4
	s := &fakeSession{nick: "Rook"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Insert(ctx, s); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if s.Slot() != 0 {
		t.Fatalf("expected slot 0, got %d", s.Slot())
	}
	if r.BySlot(0) != Session(s) {
		t.Fatalf("expected slot 0 to hold inserted session")
	}
	if r.ByNickname("Rook", false) != Session(s) {
		t.Fatalf("expected nickname index to resolve inserted session")
	}
}

func TestInsertFillsSlotsInOrder(t *testing.T) {
	r := New(1) // capacity 4
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s := &fakeSession{nick: string(rune('A' + i))}
		if err := r.Insert(ctx, s); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		if s.Slot() != i {
			t.Fatalf("expected insert %d to take slot %d, got %d", i, i, s.Slot())
		}
	}
	if r.Count() != 4 {
		t.Fatalf("expected 4 occupied slots, got %d", r.Count())
	}

	overflow := &fakeSession{nick: "overflow"}
	ctx2, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := r.Insert(ctx2, overflow); err == nil {
		t.Fatalf("expected insert to fail once registry is full")
	}
}

func TestRemoveClearsSlotAndNickname(t *testing.T) {
	r := New(1)
	s := &fakeSession{nick: "Rook"}
	r.Insert(context.Background(), s)
	r.Remove(s.Slot(), s.Nickname(), s.Guest())

	if r.BySlot(0) != nil {
		t.Fatalf("expected slot to be cleared")
	}
	if r.ByNickname("Rook", false) != nil {
		t.Fatalf("expected nickname index to be cleared")
	}
}

func TestNicknameUniquenessIsScopedPerGuestFlag(t *testing.T) {
	r := New(1)
	player := &fakeSession{nick: "Rook", guest: false}
	guest := &fakeSession{nick: "Rook", guest: true}
	r.Insert(context.Background(), player)
	r.Insert(context.Background(), guest)

	if r.ByNickname("Rook", false) != Session(player) {
		t.Fatalf("expected the registered-player entry to resolve separately from the guest entry")
	}
	if r.ByNickname("Rook", true) != Session(guest) {
		t.Fatalf("expected the guest entry to resolve separately from the registered-player entry")
	}
}

func TestBroadcastVisitsOccupiedSlotsOnly(t *testing.T) {
	r := New(1)
	r.Insert(context.Background(), &fakeSession{nick: "A"})
	r.Insert(context.Background(), &fakeSession{nick: "B"})

	var visited []string
	r.Broadcast(func(s Session) { visited = append(visited, s.Nickname()) })

	if len(visited) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(visited))
	}
}
