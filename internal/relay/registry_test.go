package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegistryAddAndLookup(t *testing.T) {
	r := NewRegistry()
	a1, _ := openSession("a1", "alice")
	b1, _ := openSession("b1", "bob")
	a2, _ := openSession("a2", "alice")

	for _, s := range []*Session{a1, b1, a2} {
		if err := r.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", s.ID(), err)
		}
	}

	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
	if got, ok := r.Get("b1"); !ok || got != b1 {
		t.Errorf("Get(b1) = %v, %v", got, ok)
	}

	alice := r.FindByUserID("alice")
	if len(alice) != 2 || alice[0] != a1 || alice[1] != a2 {
		t.Errorf("FindByUserID(alice) = %v", alice)
	}
	if got := r.FindByUserID("carol"); len(got) != 0 {
		t.Errorf("FindByUserID(carol) = %v, want none", got)
	}

	all := r.All()
	want := []string{"a1", "b1", "a2"}
	for i, s := range all {
		if s.ID() != want[i] {
			t.Errorf("All()[%d] = %s, want %s", i, s.ID(), want[i])
		}
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	s, _ := openSession("dup", "alice")
	other, _ := openSession("dup", "bob")

	if err := r.Add(s); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(other); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("Add duplicate = %v, want ErrDuplicateSession", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryRemoveOnce(t *testing.T) {
	r := NewRegistry()
	a1, _ := openSession("a1", "alice")
	a2, _ := openSession("a2", "alice")
	_ = r.Add(a1)
	_ = r.Add(a2)

	if got, ok := r.Remove("a1"); !ok || got != a1 {
		t.Fatalf("first Remove = %v, %v", got, ok)
	}
	if _, ok := r.Remove("a1"); ok {
		t.Error("second Remove reported success")
	}
	if got := r.FindByUserID("alice"); len(got) != 1 || got[0] != a2 {
		t.Errorf("FindByUserID after remove = %v", got)
	}

	r.Remove("a2")
	if got := r.FindByUserID("alice"); got != nil {
		t.Errorf("FindByUserID after removing all = %v", got)
	}
}

func TestRegistrySnapshotUnaffectedByLaterChanges(t *testing.T) {
	r := NewRegistry()
	a, _ := openSession("a", "alice")
	b, _ := openSession("b", "bob")
	_ = r.Add(a)
	_ = r.Add(b)

	snapshot := r.All()
	byUser := r.FindByUserID("alice")

	c, _ := openSession("c", "alice")
	_ = r.Add(c)
	r.Remove("a")

	if len(snapshot) != 2 || snapshot[0] != a || snapshot[1] != b {
		t.Errorf("snapshot changed: %v", snapshot)
	}
	if len(byUser) != 1 || byUser[0] != a {
		t.Errorf("user lookup changed: %v", byUser)
	}

	byUser[0] = b
	if got := r.FindByUserID("alice"); got[0] != c {
		t.Errorf("mutating a lookup result leaked into the registry: %v", got)
	}
}

func TestRegistryConcurrentMutationAndIteration(t *testing.T) {
	r := NewRegistry()
	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, s := range r.All() {
					_ = s.UserID()
				}
				_ = r.FindByUserID("user-0")
			}
		}()
	}

	var writersWG sync.WaitGroup
	for w := range writers {
		writersWG.Add(1)
		go func() {
			defer writersWG.Done()
			for i := range perWriter {
				id := fmt.Sprintf("%d-%d", w, i)
				s, _ := openSession(id, fmt.Sprintf("user-%d", i%3))
				if err := r.Add(s); err != nil {
					t.Errorf("Add(%s): %v", id, err)
					return
				}
				if i%2 == 0 {
					if _, ok := r.Remove(id); !ok {
						t.Errorf("Remove(%s) failed", id)
					}
				}
			}
		}()
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	if want := writers * perWriter / 2; r.Len() != want {
		t.Errorf("Len = %d, want %d", r.Len(), want)
	}
}
