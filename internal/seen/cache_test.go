package seen

import (
	"fmt"
	"testing"
	"time"

	"github.com/Operative-001/huddle/internal/peer"
)

func TestAddAndHas(t *testing.T) {
	c := New[Key](16, 10*time.Second)
	k := Key{Sender: "alice", Seq: 1}

	if c.Has(k) {
		t.Fatal("fresh cache should not have key")
	}
	if !c.Add(k) {
		t.Fatal("first Add should return true (new)")
	}
	if !c.Has(k) {
		t.Fatal("should have key after Add")
	}
	if c.Add(k) {
		t.Fatal("second Add should return false (duplicate)")
	}
}

func TestExpiry(t *testing.T) {
	c := New[Key](16, 50*time.Millisecond)
	k := Key{Sender: "alice", Seq: 1}
	c.Add(k)

	time.Sleep(100 * time.Millisecond)
	if c.Has(k) {
		t.Fatal("key should have expired")
	}
	if !c.Add(k) {
		t.Fatal("expired key should be accepted again")
	}
}

func TestBoundedSize(t *testing.T) {
	c := New[Key](8, time.Minute)
	for i := 0; i < 100; i++ {
		c.Add(Key{Sender: "bob", Seq: uint64(i)})
	}
	if c.Len() != 8 {
		t.Fatalf("expected 8 entries, got %d", c.Len())
	}
	if c.Has(Key{Sender: "bob", Seq: 0}) {
		t.Fatal("oldest key should have been evicted")
	}
	if !c.Has(Key{Sender: "bob", Seq: 99}) {
		t.Fatal("newest key should be present")
	}
}

func TestSendersIndependent(t *testing.T) {
	c := New[Key](16, time.Minute)
	for i := 0; i < 3; i++ {
		id := peer.ID(fmt.Sprintf("p%d", i))
		if !c.Add(Key{Sender: id, Seq: 7}) {
			t.Fatalf("seq 7 from %s should be new", id)
		}
	}
}
