package update

import (
	"sort"

	"github.com/gxo-labs/entrack/internal/objectstate"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
)

// Node is one entity entry to be sent to the store.
type Node struct {
	Entry *objectstate.StateEntry
	// order is the entry's position among pending entries; it breaks ties so
	// plans are deterministic.
	order int

	DependsOn  map[*Node]struct{}
	RequiredBy map[*Node]struct{}
}

// DAG orders pending entries so that principals are inserted before their
// dependents and dependents are deleted or re-pointed before their
// principals are deleted.
type DAG struct {
	Nodes []*Node
	index map[*objectstate.StateEntry]*Node
}

func newDAG(entries []*objectstate.StateEntry) *DAG {
	d := &DAG{Nodes: make([]*Node, len(entries)), index: make(map[*objectstate.StateEntry]*Node, len(entries))}
	for i, e := range entries {
		n := &Node{Entry: e, order: i, DependsOn: make(map[*Node]struct{}), RequiredBy: make(map[*Node]struct{})}
		d.Nodes[i] = n
		d.index[e] = n
	}
	return d
}

func (d *DAG) node(e *objectstate.StateEntry) (*Node, bool) {
	n, ok := d.index[e]
	return n, ok
}

// addEdge records that consumer must run after producer.
func (d *DAG) addEdge(producer, consumer *Node) {
	if producer == consumer {
		return
	}
	if _, exists := consumer.DependsOn[producer]; !exists {
		consumer.DependsOn[producer] = struct{}{}
		producer.RequiredBy[consumer] = struct{}{}
	}
}

// Sort returns the nodes in dependency order. Ready nodes are taken in entry
// order.
func (d *DAG) Sort() ([]*Node, error) {
	if err := d.detectCycle(); err != nil {
		return nil, err
	}
	remaining := make(map[*Node]int, len(d.Nodes))
	var ready []*Node
	for _, n := range d.Nodes {
		remaining[n] = len(n.DependsOn)
		if remaining[n] == 0 {
			ready = append(ready, n)
		}
	}
	out := make([]*Node, 0, len(d.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].order < ready[j].order })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for c := range n.RequiredBy {
			remaining[c]--
			if remaining[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return out, nil
}

func (d *DAG) detectCycle() error {
	path := make(map[*Node]bool)
	visited := make(map[*Node]bool)
	for _, n := range d.Nodes {
		if !visited[n] {
			if cycle := hasCycleDFS(n, path, visited); cycle != nil {
				return entrackerrors.NewGraphIntegrityError(entrackerrors.CodeReferentialConstraint, []string{cycle.Entry.Key().String()},
					"pending changes depend on each other in a cycle")
			}
		}
	}
	return nil
}

func hasCycleDFS(n *Node, path, visited map[*Node]bool) *Node {
	path[n] = true
	visited[n] = true
	for c := range n.RequiredBy {
		if path[c] {
			return c
		}
		if !visited[c] {
			if found := hasCycleDFS(c, path, visited); found != nil {
				return found
			}
		}
	}
	path[n] = false
	return nil
}
