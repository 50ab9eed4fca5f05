package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
)

func participant(id, name string) Participant {
	return Participant{ID: id, Username: name, JoinedAt: time.Now()}
}

func ids(ps []Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestJoinReturnsCurrentState(t *testing.T) {
	r := New()

	snap := r.Join("r1", participant("a", "alice"))
	if len(snap.Participants) != 1 || snap.Participants[0].ID != "a" {
		t.Fatalf("first join: participants = %v", ids(snap.Participants))
	}
	if !snap.Playback.CapturedAt.IsZero() {
		t.Errorf("new room should start with a zero capture time")
	}

	if err := r.UpdateVideo("r1", "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("UpdateVideo: %v", err)
	}
	if _, err := r.UpdatePlayback("r1", Snapshot{PositionSeconds: 12, IsPlaying: true, CapturedAt: time.Now()}); err != nil {
		t.Fatalf("UpdatePlayback: %v", err)
	}

	snap = r.Join("r1", participant("b", "bob"))
	if got := ids(snap.Participants); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("participants = %v, want [a b] in join order", got)
	}
	if snap.VideoRef != "dQw4w9WgXcQ" {
		t.Errorf("video ref = %q", snap.VideoRef)
	}
	if snap.Playback.PositionSeconds != 12 || !snap.Playback.IsPlaying {
		t.Errorf("playback = %+v", snap.Playback)
	}
}

func TestJoinDeduplicatesByConnectionID(t *testing.T) {
	r := New()
	r.Join("r1", participant("a", "alice"))
	snap := r.Join("r1", participant("a", "alice"))
	if len(snap.Participants) != 1 {
		t.Errorf("rejoining with the same id: got %d participants, want 1", len(snap.Participants))
	}
}

func TestSameUsernameIsDistinctParticipant(t *testing.T) {
	r := New()
	r.Join("r1", participant("a1", "alice"))
	snap := r.Join("r1", participant("a2", "alice"))
	if len(snap.Participants) != 2 {
		t.Fatalf("got %d participants, want 2", len(snap.Participants))
	}

	if _, remaining, err := r.Leave("r1", "a1"); err != nil || remaining != 1 {
		t.Fatalf("Leave: remaining=%d err=%v", remaining, err)
	}
	members := r.Members("r1")
	if len(members) != 1 || members[0].ID != "a2" {
		t.Errorf("members = %v, want [a2]", ids(members))
	}
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	r := New()
	r.Join("r1", participant("a", "alice"))

	left, remaining, err := r.Leave("r1", "a")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if remaining != 0 || left.Username != "alice" {
		t.Errorf("left=%+v remaining=%d", left, remaining)
	}
	if _, err := r.Lookup("r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Lookup after last leave: err = %v, want ErrRoomNotFound", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}

	// The id is reusable and starts from scratch.
	snap := r.Join("r1", participant("b", "bob"))
	if len(snap.Participants) != 1 || snap.VideoRef != "" {
		t.Errorf("recreated room carries old state: %+v", snap)
	}
}

func TestLeaveErrors(t *testing.T) {
	r := New()
	if _, _, err := r.Leave("nope", "a"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("unknown room: err = %v", err)
	}
	r.Join("r1", participant("a", "alice"))
	if _, _, err := r.Leave("r1", "ghost"); !errors.Is(err, ErrParticipantNotFound) {
		t.Errorf("unknown participant: err = %v", err)
	}
	if err := r.UpdateVideo("nope", "x"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("UpdateVideo on unknown room: err = %v", err)
	}
}

// TestStalePlaybackIgnored verifies that an older snapshot never replaces a
// newer one, regardless of arrival order.
func TestStalePlaybackIgnored(t *testing.T) {
	r := New()
	r.Join("r1", participant("a", "alice"))

	now := time.Now()
	newer := Snapshot{PositionSeconds: 120, IsPlaying: true, CapturedAt: now}
	older := Snapshot{PositionSeconds: 40, IsPlaying: false, CapturedAt: now.Add(-time.Second)}

	if applied, _ := r.UpdatePlayback("r1", newer); !applied {
		t.Fatal("newer snapshot was not applied")
	}
	if applied, _ := r.UpdatePlayback("r1", older); applied {
		t.Error("older snapshot reported as applied")
	}

	snap, _ := r.Lookup("r1")
	if snap.Playback != newer {
		t.Errorf("stored = %+v, want %+v", snap.Playback, newer)
	}

	same := Snapshot{PositionSeconds: 121, IsPlaying: true, CapturedAt: now}
	if applied, _ := r.UpdatePlayback("r1", same); !applied {
		t.Error("snapshot with equal capture time should be applied")
	}
}

// TestJoinLeaveSequences checks, over random sequences, that the participant
// set equals joins minus leaves and that an empty set means no room.
func TestJoinLeaveSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 50 {
		r := New()
		want := map[string]bool{}
		next := 0

		for range 200 {
			if len(want) == 0 || rng.IntN(3) > 0 {
				id := fmt.Sprintf("p%d", next)
				next++
				r.Join("r1", participant(id, "user"))
				want[id] = true
				continue
			}

			var victim string
			n := rng.IntN(len(want))
			for id := range want {
				if n == 0 {
					victim = id
					break
				}
				n--
			}
			if _, _, err := r.Leave("r1", victim); err != nil {
				t.Fatalf("round %d: Leave(%s): %v", round, victim, err)
			}
			delete(want, victim)
		}

		// Drain a random number of members, possibly all of them.
		for id := range want {
			if rng.IntN(2) == 0 {
				continue
			}
			r.Leave("r1", id)
			delete(want, id)
		}

		snap, err := r.Lookup("r1")
		if len(want) == 0 {
			if !errors.Is(err, ErrRoomNotFound) {
				t.Fatalf("round %d: empty room still exists", round)
			}
			continue
		}
		if err != nil {
			t.Fatalf("round %d: Lookup: %v", round, err)
		}
		if len(snap.Participants) != len(want) {
			t.Fatalf("round %d: %d participants, want %d", round, len(snap.Participants), len(want))
		}
		for _, p := range snap.Participants {
			if !want[p.ID] {
				t.Fatalf("round %d: unexpected participant %s", round, p.ID)
			}
		}
	}
}

// TestConcurrentRooms hammers many rooms at once; each room must end empty
// and deleted. Run with -race.
func TestConcurrentRooms(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := range 16 {
		roomID := fmt.Sprintf("room-%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				id := fmt.Sprintf("w%d-%d", i, j)
				r.Join(roomID, participant(id, "user"))
				r.UpdatePlayback(roomID, Snapshot{PositionSeconds: float64(j), CapturedAt: time.Now()})
				r.Lookup(roomID)
				if _, _, err := r.Leave(roomID, id); err != nil {
					t.Errorf("Leave(%s, %s): %v", roomID, id, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len = %d after all leaves, want 0", r.Len())
	}
}
