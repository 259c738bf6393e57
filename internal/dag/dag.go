// Package dag orders the rules of one build layer so that every rule runs
// after the rules whose output it reads. Edges that would close a cycle are
// rejected; the caller drops them and lets the fixpoint loop resolve the
// cycle by rerunning.
package dag

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycle is returned when an edge would close a dependency cycle.
var ErrCycle = errors.New("cycle detected")

// ErrNodeNotFound is returned when an operation references a non-existent node.
var ErrNodeNotFound = errors.New("node not found")

// ErrDuplicateNode is returned when adding a node that already exists.
var ErrDuplicateNode = errors.New("duplicate node")

// ErrSelfEdge is returned when an edge would create a self-loop.
var ErrSelfEdge = errors.New("self-referencing edge")

// Node is one rule in the graph.
type Node struct {
	ID string
	// Seq breaks ties between independent nodes: lower runs first.
	Seq int
}

// DAG is a directed acyclic graph of rules. Edges point from a node to its
// dependencies: if A reads what B writes, there is an edge from A to B.
type DAG struct {
	nodes map[string]*Node
	// adjacency maps nodeID → set of dependency IDs (forward edges).
	adjacency map[string]map[string]bool
	// reverse maps nodeID → set of dependent IDs (backward edges).
	reverse map[string]map[string]bool
}

// New creates an empty DAG.
func New() *DAG {
	return &DAG{
		nodes:     make(map[string]*Node),
		adjacency: make(map[string]map[string]bool),
		reverse:   make(map[string]map[string]bool),
	}
}

// AddNode adds a node with the given ID and sequence number.
func (d *DAG) AddNode(id string, seq int) error {
	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	d.nodes[id] = &Node{ID: id, Seq: seq}
	d.adjacency[id] = make(map[string]bool)
	d.reverse[id] = make(map[string]bool)
	return nil
}

// AddEdge records that from depends on to. Both nodes must already exist.
func (d *DAG) AddEdge(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfEdge, from)
	}
	if _, ok := d.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	if _, ok := d.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}
	if d.adjacency[from][to] {
		return nil
	}
	// A path to → ... → from plus from → to would be a cycle.
	if d.hasPath(to, from) {
		return fmt.Errorf("%w: edge %s → %s", ErrCycle, from, to)
	}
	d.adjacency[from][to] = true
	d.reverse[to][from] = true
	return nil
}

// TopologicalSort returns node IDs with dependencies before dependents.
// Whenever several nodes are ready, the lowest sequence number goes first,
// so independent rules keep their creation order.
func (d *DAG) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	var ready []string
	for id := range d.nodes {
		inDegree[id] = len(d.adjacency[id])
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(d.nodes))
	for len(ready) > 0 {
		d.bySeq(ready)
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)
		for dependent := range d.reverse[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		return nil, fmt.Errorf("%w: ordered %d of %d nodes", ErrCycle, len(sorted), len(d.nodes))
	}
	return sorted, nil
}

// Descendants returns every node that transitively depends on id, sorted
// alphabetically.
func (d *DAG) Descendants(id string) []string {
	if _, ok := d.nodes[id]; !ok {
		return nil
	}
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range d.reverse[cur] {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	result := make([]string, 0, len(visited))
	for v := range visited {
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}

// hasPath reports whether there is a directed path from src to dst over
// forward edges.
func (d *DAG) hasPath(src, dst string) bool {
	if src == dst {
		return false
	}
	visited := make(map[string]bool)
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range d.adjacency[cur] {
			if dep == dst {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return false
}

func (d *DAG) bySeq(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		si, sj := d.nodes[ids[i]].Seq, d.nodes[ids[j]].Seq
		if si != sj {
			return si < sj
		}
		return ids[i] < ids[j]
	})
}
