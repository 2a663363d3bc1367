package session

import "testing"

func TestAdvanceTracksState(t *testing.T) {
	s, _ := newTestSession(SpawnConfig{})
	if s.State() != StateRoleRead {
		t.Fatalf("expected initial state role_read, got %v", s.State())
	}
	s.Advance(StatePlay)
	if s.State() != StatePlay {
		t.Fatalf("expected state play, got %v", s.State())
	}
}

func TestEnqueueDrainTCP(t *testing.T) {
	s, _ := newTestSession(SpawnConfig{})
	s.EnqueueTCP([]byte("hello"))

	frame, ok := s.DrainOneTCP()
	if !ok || string(frame) != "hello" {
		t.Fatalf("expected to drain enqueued frame, got %q ok=%v", frame, ok)
	}

	if _, ok := s.DrainOneTCP(); ok {
		t.Fatalf("expected empty queue after drain")
	}
}

func TestEnqueueTCPDropsWhenFull(t *testing.T) {
	s, _ := newTestSession(SpawnConfig{}) // InboundSize 4
	for i := 0; i < 4; i++ {
		if s.EnqueueTCP([]byte("x")) {
			t.Fatalf("did not expect drop before queue is full")
		}
	}
	if !s.EnqueueTCP([]byte("overflow")) {
		t.Fatalf("expected drop once queue is full")
	}
}

func TestTerminateBroadcastsPerCarAndDeparture(t *testing.T) {
	s, _ := newTestSession(SpawnConfig{MaxCars: 2})
	s.SetIdentity("Rook", "player", false, nil)
	s.MarkReady()
	s.SpawnCar(`{"jbm":"car"}`)

	var notices []string
	s.Terminate("kicked", func(payload string) { notices = append(notices, payload) })

	if len(notices) != 2 {
		t.Fatalf("expected one car-removal notice and one departure notice, got %v", notices)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected state closed after terminate")
	}
}

func TestTerminateSkipsDepartureWhenNeverReady(t *testing.T) {
	s, _ := newTestSession(SpawnConfig{})
	var notices []string
	s.Terminate("handshake failed", func(payload string) { notices = append(notices, payload) })
	if len(notices) != 0 {
		t.Fatalf("expected no notices for a session that never became ready, got %v", notices)
	}
}
