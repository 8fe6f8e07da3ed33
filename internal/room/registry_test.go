package room

import (
	"fmt"
	"sync"
	"testing"
)

func TestRoomExistsIffNonEmpty(t *testing.T) {
	reg := NewRegistry()

	if _, ok := reg.Participants("room-42"); ok {
		t.Fatalf("room should not exist before first join")
	}

	others, created := reg.Join("room-42", Participant{SocketID: "s1", UserID: "u1", UserName: "Alice", UserRole: "patient"})
	if !created {
		t.Errorf("first join should create the room")
	}
	if len(others) != 0 {
		t.Errorf("first joiner should see no other participants, got %v", others)
	}
	if reg.Len() != 1 {
		t.Errorf("Len()=%d, want 1", reg.Len())
	}

	others, created = reg.Join("room-42", Participant{SocketID: "s2", UserID: "u2", UserName: "Dr. Bob", UserRole: "doctor"})
	if created {
		t.Errorf("second join must not report creation")
	}
	if len(others) != 1 || others[0].SocketID != "s1" {
		t.Fatalf("second joiner should see s1, got %v", others)
	}

	if _, removed, destroyed := reg.Leave("room-42", "s1"); !removed || destroyed {
		t.Fatalf("removing s1 should not destroy a room with s2 still in it")
	}
	if members, ok := reg.Participants("room-42"); !ok || len(members) != 1 {
		t.Fatalf("room should survive with one participant, got ok=%v members=%v", ok, members)
	}

	p, removed, destroyed := reg.Leave("room-42", "s2")
	if !removed || !destroyed {
		t.Fatalf("removing the last participant must destroy the room")
	}
	if p.UserName != "Dr. Bob" {
		t.Errorf("removed participant=%+v, want Dr. Bob", p)
	}
	if _, ok := reg.Participants("room-42"); ok {
		t.Fatalf("room must not exist after last leave")
	}
	if reg.Len() != 0 {
		t.Errorf("Len()=%d, want 0", reg.Len())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	reg.Join("a", Participant{SocketID: "s1"})
	reg.Join("b", Participant{SocketID: "s2"})

	if _, removed, _ := reg.Leave("a", "s1"); !removed {
		t.Fatalf("first leave should remove")
	}
	if _, removed, _ := reg.Leave("a", "s1"); removed {
		t.Fatalf("second leave must be a no-op")
	}
	if _, removed, _ := reg.Leave("missing", "s1"); removed {
		t.Fatalf("leave on an unknown room must be a no-op")
	}

	// Other rooms are untouched.
	if members, ok := reg.Participants("b"); !ok || len(members) != 1 || members[0].SocketID != "s2" {
		t.Fatalf("room b should be unaffected, got ok=%v members=%v", ok, members)
	}
}

func TestRejoinOverwrites(t *testing.T) {
	reg := NewRegistry()
	reg.Join("room", Participant{SocketID: "s1", UserName: "Alice"})
	others, created := reg.Join("room", Participant{SocketID: "s1", UserName: "Alicia"})
	if created {
		t.Errorf("rejoin must not recreate the room")
	}
	if len(others) != 0 {
		t.Errorf("rejoining participant should not see itself, got %v", others)
	}

	members, _ := reg.Participants("room")
	if len(members) != 1 || members[0].UserName != "Alicia" {
		t.Fatalf("rejoin should overwrite the entry, got %v", members)
	}
}

func TestOthersExcludesCaller(t *testing.T) {
	reg := NewRegistry()
	reg.Join("room", Participant{SocketID: "s1"})
	reg.Join("room", Participant{SocketID: "s2"})
	reg.Join("room", Participant{SocketID: "s3"})

	others := reg.Others("room", "s2")
	if len(others) != 2 || others[0].SocketID != "s1" || others[1].SocketID != "s3" {
		t.Fatalf("Others=%v, want [s1 s3]", others)
	}
	if got := reg.Others("missing", "s1"); len(got) != 0 {
		t.Fatalf("Others on unknown room should be empty, got %v", got)
	}
}

func TestConcurrentJoinLeaveNeverLeavesEmptyRoom(t *testing.T) {
	reg := NewRegistry()

	const workers = 16
	const iterations = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			socketID := fmt.Sprintf("sock-%d", w)
			roomID := fmt.Sprintf("room-%d", w%4)
			for i := 0; i < iterations; i++ {
				reg.Join(roomID, Participant{SocketID: socketID})
				reg.Leave(roomID, socketID)
			}
		}(w)
	}
	wg.Wait()

	if reg.Len() != 0 {
		t.Fatalf("all rooms should be destroyed once empty, %d remain", reg.Len())
	}
}
