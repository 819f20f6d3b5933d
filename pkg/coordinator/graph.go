package coordinator

import (
	"sort"

	"swarm/pkg/protocol"
)

// depGraph is the structural dependency graph: nodes are task ids, edges
// point from a task to each task it depends on. Dependencies may reference
// tasks that have not been submitted yet; those become placeholder nodes so
// edge insertion can still be checked for cycles. The graph tracks a dirty
// set of nodes touched since the last deadlock pass, letting the periodic
// detector scope its scan instead of re-walking everything.
type depGraph struct {
	dependsOn  map[string]map[string]struct{} // task -> its dependencies
	dependents map[string]map[string]struct{} // task -> tasks depending on it
	submitted  map[string]struct{}            // non-placeholder nodes

	dirty map[string]struct{}
	// fullScanThreshold caps dirty-set growth; past it the next detection
	// pass walks the whole graph instead.
	fullScanThreshold int
}

func newDepGraph(fullScanThreshold int) *depGraph {
	return &depGraph{
		dependsOn:         make(map[string]map[string]struct{}),
		dependents:        make(map[string]map[string]struct{}),
		submitted:         make(map[string]struct{}),
		dirty:             make(map[string]struct{}),
		fullScanThreshold: fullScanThreshold,
	}
}

func (g *depGraph) ensureNode(id string) {
	if _, ok := g.dependsOn[id]; !ok {
		g.dependsOn[id] = make(map[string]struct{})
	}
	if _, ok := g.dependents[id]; !ok {
		g.dependents[id] = make(map[string]struct{})
	}
}

// add inserts a submitted task with its dependency edges, rejecting the
// whole insertion if any edge would close a cycle. On rejection the graph is
// left exactly as it was.
func (g *depGraph) add(id string, deps []string) error {
	// The new edges run id -> dep. A cycle can only close if id is already
	// reachable from one of the deps, which requires id to pre-exist as a
	// placeholder someone depends on. Check before mutating.
	for _, dep := range deps {
		if dep == id {
			return &protocol.CycleError{Cycle: []string{id, id}}
		}
		if path := g.pathBetween(dep, id); path != nil {
			cycle := append([]string{id}, path...)
			return &protocol.CycleError{Cycle: cycle}
		}
	}

	g.ensureNode(id)
	g.submitted[id] = struct{}{}
	for _, dep := range deps {
		g.ensureNode(dep)
		g.dependsOn[id][dep] = struct{}{}
		g.dependents[dep][id] = struct{}{}
		g.markDirty(dep)
	}
	g.markDirty(id)
	return nil
}

// pathBetween returns the depends-on path from src to dst, or nil if dst is
// unreachable. Neighbors are visited in sorted order so reported cycles are
// stable.
func (g *depGraph) pathBetween(src, dst string) []string {
	if _, ok := g.dependsOn[src]; !ok {
		return nil
	}
	visited := map[string]struct{}{}
	var path []string
	var dfs func(cur string) bool
	dfs = func(cur string) bool {
		path = append(path, cur)
		if cur == dst {
			return true
		}
		visited[cur] = struct{}{}
		for _, next := range sortedKeys(g.dependsOn[cur]) {
			if _, seen := visited[next]; seen {
				continue
			}
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(src) {
		return path
	}
	return nil
}

// remove deletes a node and all its edges (archival of terminal tasks).
func (g *depGraph) remove(id string) {
	for dep := range g.dependsOn[id] {
		delete(g.dependents[dep], id)
		g.markDirty(dep)
	}
	for dependent := range g.dependents[id] {
		delete(g.dependsOn[dependent], id)
		g.markDirty(dependent)
	}
	delete(g.dependsOn, id)
	delete(g.dependents, id)
	delete(g.submitted, id)
	delete(g.dirty, id)
}

// dependencies returns the sorted dependency ids of a task.
func (g *depGraph) dependencies(id string) []string {
	return sortedKeys(g.dependsOn[id])
}

// dependentsOf returns the sorted ids of tasks depending on id.
func (g *depGraph) dependentsOf(id string) []string {
	return sortedKeys(g.dependents[id])
}

func (g *depGraph) markDirty(id string) {
	g.dirty[id] = struct{}{}
}

// detectCycle scans for a dependency cycle and returns one ordered witness,
// or nil. The scan is scoped to nodes touched since the last pass; once the
// dirty set outgrows the threshold a full walk is used instead. The dirty
// set is cleared either way.
func (g *depGraph) detectCycle() []string {
	var roots []string
	if len(g.dirty) > g.fullScanThreshold {
		roots = sortedKeys(g.submittedSet())
	} else {
		roots = sortedKeys(g.dirty)
	}
	g.dirty = make(map[string]struct{})

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.dependsOn))
	parent := make(map[string]string)

	var cycle []string
	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range sortedKeys(g.dependsOn[u]) {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge u -> v closes the cycle v ... u -> v.
				cycle = append(cycle, v)
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, root := range roots {
		if _, exists := g.dependsOn[root]; !exists {
			continue
		}
		if color[root] != white {
			continue
		}
		if dfs(root) {
			break
		}
	}
	if cycle == nil {
		return nil
	}

	// The parent walk built the witness backwards.
	out := make([]string, len(cycle))
	for i, id := range cycle {
		out[len(cycle)-1-i] = id
	}
	return out
}

func (g *depGraph) submittedSet() map[string]struct{} {
	return g.submitted
}

// isPlaceholder reports whether id exists only as a dependency reference.
func (g *depGraph) isPlaceholder(id string) bool {
	if _, ok := g.dependsOn[id]; !ok {
		return false
	}
	_, submitted := g.submitted[id]
	return !submitted
}

func (g *depGraph) has(id string) bool {
	_, ok := g.dependsOn[id]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
