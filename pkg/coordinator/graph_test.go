package coordinator

import (
	"errors"
	"reflect"
	"testing"

	"swarm/pkg/protocol"
)

func TestGraphAddAcyclic(t *testing.T) {
	g := newDepGraph(64)

	if err := g.add("a", nil); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := g.add("b", []string{"a"}); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := g.add("c", []string{"a", "b"}); err != nil {
		t.Fatalf("add c: %v", err)
	}

	if got := g.dependencies("c"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("dependencies(c) = %v", got)
	}
	if got := g.dependentsOf("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("dependentsOf(a) = %v", got)
	}
}

func TestGraphSelfDependency(t *testing.T) {
	g := newDepGraph(64)
	err := g.add("a", []string{"a"})
	var cerr *protocol.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CycleError", err)
	}
}

func TestGraphForwardReferenceCycleRejected(t *testing.T) {
	g := newDepGraph(64)

	// b depends on the not-yet-submitted a: placeholder edge b -> a.
	if err := g.add("b", []string{"a"}); err != nil {
		t.Fatalf("forward reference rejected: %v", err)
	}
	if !g.isPlaceholder("a") {
		t.Fatal("a should be a placeholder")
	}

	// Submitting a depending on b would close b -> a -> b.
	err := g.add("a", []string{"b"})
	var cerr *protocol.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	if cerr.Cycle[0] != "a" || cerr.Cycle[len(cerr.Cycle)-1] != "a" {
		t.Errorf("cycle witness %v should start and end at a", cerr.Cycle)
	}

	// Atomicity: the rejected submission left no trace.
	if g.isPlaceholder("a") == false {
		t.Error("a was promoted despite rejection")
	}
	if len(g.dependsOn["a"]) != 0 {
		t.Errorf("a gained edges from a rejected add: %v", g.dependencies("a"))
	}

	// The legal orientation still works.
	if err := g.add("a", nil); err != nil {
		t.Errorf("submitting a without deps: %v", err)
	}
}

func TestGraphIndirectCycleRejected(t *testing.T) {
	g := newDepGraph(64)
	// c -> b -> a placeholders, then a -> c closes a three-node cycle.
	if err := g.add("b", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.add("c", []string{"b"}); err != nil {
		t.Fatal(err)
	}

	err := g.add("a", []string{"c"})
	var cerr *protocol.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	if want := []string{"a", "c", "b", "a"}; !reflect.DeepEqual(cerr.Cycle, want) {
		t.Errorf("cycle = %v, want %v", cerr.Cycle, want)
	}
}

func TestGraphDetectCycleCleanGraph(t *testing.T) {
	g := newDepGraph(64)
	_ = g.add("a", nil)
	_ = g.add("b", []string{"a"})

	if cycle := g.detectCycle(); cycle != nil {
		t.Errorf("detected phantom cycle %v", cycle)
	}
	// Dirty set cleared; a second pass scans nothing and stays clean.
	if cycle := g.detectCycle(); cycle != nil {
		t.Errorf("second pass found %v", cycle)
	}
}

func TestGraphDetectCycleWitness(t *testing.T) {
	g := newDepGraph(64)
	// Force edges in directly, bypassing submit-time checks, the way a
	// corrupted or concurrently-mutated graph would look.
	g.ensureNode("x")
	g.ensureNode("y")
	g.dependsOn["x"]["y"] = struct{}{}
	g.dependents["y"]["x"] = struct{}{}
	g.dependsOn["y"]["x"] = struct{}{}
	g.dependents["x"]["y"] = struct{}{}
	g.submitted["x"] = struct{}{}
	g.submitted["y"] = struct{}{}
	g.markDirty("x")

	cycle := g.detectCycle()
	if len(cycle) != 3 || cycle[0] != cycle[2] {
		t.Fatalf("cycle = %v, want a closed two-node witness", cycle)
	}
}

func TestGraphDirtySetScoping(t *testing.T) {
	g := newDepGraph(64)
	// A cycle outside the dirty set goes unseen by the scoped pass.
	g.ensureNode("x")
	g.ensureNode("y")
	g.dependsOn["x"]["y"] = struct{}{}
	g.dependsOn["y"]["x"] = struct{}{}
	g.submitted["x"] = struct{}{}
	g.submitted["y"] = struct{}{}

	_ = g.add("clean", nil)
	if cycle := g.detectCycle(); cycle != nil {
		t.Errorf("scoped pass escaped the dirty set: %v", cycle)
	}

	// Once dirty, the cycle is found.
	g.markDirty("x")
	if cycle := g.detectCycle(); cycle == nil {
		t.Error("dirty cycle not detected")
	}
}

func TestGraphFullScanFallback(t *testing.T) {
	g := newDepGraph(1) // any two dirty nodes force a full scan
	g.ensureNode("x")
	g.ensureNode("y")
	g.dependsOn["x"]["y"] = struct{}{}
	g.dependsOn["y"]["x"] = struct{}{}
	g.submitted["x"] = struct{}{}
	g.submitted["y"] = struct{}{}

	// Dirty two unrelated nodes to exceed the threshold.
	_ = g.add("p", nil)
	_ = g.add("q", nil)

	if cycle := g.detectCycle(); cycle == nil {
		t.Error("full-scan fallback missed the cycle")
	}
}

func TestGraphRemove(t *testing.T) {
	g := newDepGraph(64)
	_ = g.add("a", nil)
	_ = g.add("b", []string{"a"})

	g.remove("a")
	if g.has("a") {
		t.Error("a still present")
	}
	if got := g.dependencies("b"); len(got) != 0 {
		t.Errorf("b still depends on removed node: %v", got)
	}
}
