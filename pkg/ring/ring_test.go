package ring

import (
	"math"
	"testing"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
)

func threeNodes() *HashRing {
	r := New(128, FNV32a)
	r.Add(1, "127.0.0.1:4441")
	r.Add(2, "127.0.0.1:4442")
	r.Add(3, "127.0.0.1:4443")
	return r
}

func TestAddAddrLookup(t *testing.T) {
	r := threeNodes()

	for id, want := range map[message.NodeIndex]string{
		1: "127.0.0.1:4441",
		2: "127.0.0.1:4442",
		3: "127.0.0.1:4443",
	} {
		got, ok := r.Addr(id)
		if !ok || got != want {
			t.Fatalf("Addr(%d) = (%q,%v), want (%q,true)", id, got, ok, want)
		}
	}

	// Lookup is stable for the same key
	for _, k := range [][]byte{[]byte("log:1/0"), []byte("log:2/1"), []byte("log:9/3")} {
		id1, ok1 := r.Lookup(k)
		id2, ok2 := r.Lookup(k)
		if !ok1 || !ok2 {
			t.Fatalf("Lookup(%q) found no owner", k)
		}
		if id1 != id2 {
			t.Fatalf("Lookup(%q) not stable: %d != %d", k, id1, id2)
		}
	}
}

func TestLookupEmptyRing(t *testing.T) {
	r := New(0, nil)
	if _, ok := r.Lookup([]byte("x")); ok {
		t.Fatal("Lookup on empty ring reported an owner")
	}
	if got := r.LookupN([]byte("x"), 3); got != nil {
		t.Fatalf("LookupN on empty ring = %v, want nil", got)
	}
}

func TestAddTwiceRefreshesAddr(t *testing.T) {
	r := New(16, FNV32a)
	r.Add(1, "old:1")
	r.Add(1, "new:1")

	if got, _ := r.Addr(1); got != "new:1" {
		t.Fatalf("Addr(1) = %q, want new:1", got)
	}
	if got := len(r.points); got != 16 {
		t.Fatalf("points = %d after duplicate Add, want 16", got)
	}
}

func TestLookupNDistinct(t *testing.T) {
	r := threeNodes()

	got := r.LookupN([]byte("log:42/0"), 5)
	if len(got) != 3 {
		t.Fatalf("LookupN = %v, want 3 distinct nodes", got)
	}
	seen := map[message.NodeIndex]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("LookupN returned %d twice: %v", id, got)
		}
		seen[id] = true
	}

	owner, _ := r.Lookup([]byte("log:42/0"))
	if got[0] != owner {
		t.Fatalf("LookupN[0] = %d, want owner %d", got[0], owner)
	}
}

func TestRemoveAffectsLookup(t *testing.T) {
	r := threeNodes()

	key := []byte("hot-log-123")
	before, _ := r.Lookup(key)
	r.Remove(before)
	after, ok := r.Lookup(key)
	if !ok || after == before {
		t.Fatalf("Lookup did not change after removing %d: got %d", before, after)
	}

	// Removing again should not panic
	r.Remove(before)
}

func TestClear(t *testing.T) {
	r := threeNodes()
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len after Clear = %d", r.Len())
	}
	if _, ok := r.Lookup([]byte("x")); ok {
		t.Fatal("Lookup after Clear reported an owner")
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	r := threeNodes()

	const N = 6000
	counts := map[message.NodeIndex]int{}
	for i := range N {
		id, _ := r.Lookup([]byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)})
		counts[id]++
	}
	// allow 2x deviation from perfect split
	ideal := float64(N) / 3.0
	for id, c := range counts {
		if diff := math.Abs(float64(c)-ideal) / ideal; diff > 1.0 {
			t.Fatalf("distribution too skewed: node %d has %d (ideal %.1f)", id, c, ideal)
		}
	}
	if len(counts) != 3 {
		t.Fatalf("only %d nodes received keys", len(counts))
	}
}

func TestNodesIsCopy(t *testing.T) {
	r := threeNodes()

	nodes := r.Nodes()
	if len(nodes) != 3 || nodes[2] != "127.0.0.1:4442" {
		t.Fatalf("Nodes() returned incorrect data: %v", nodes)
	}
	nodes[9] = "a:9"
	if _, ok := r.Nodes()[9]; ok {
		t.Fatal("Nodes() returned a reference, not a copy")
	}
}

func TestRemoveOnlyAffectsTargetNode(t *testing.T) {
	r := threeNodes()

	keys := [][]byte{[]byte("key1"), []byte("key2"), []byte("key3"), []byte("key4")}
	before := make(map[string]message.NodeIndex)
	for _, k := range keys {
		before[string(k)], _ = r.Lookup(k)
	}

	r.Remove(2)

	if _, ok := r.Addr(2); ok {
		t.Fatal("node 2 should have been removed")
	}
	for _, k := range keys {
		after, _ := r.Lookup(k)
		if b := before[string(k)]; b != 2 && after != b {
			t.Fatalf("key %q moved from %d to %d", k, b, after)
		}
	}
}
