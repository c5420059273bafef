package chunks

import (
	"errors"
	"fmt"

	"github.com/traindex/traindex/model"
)

// Reduction operators. Custom associative operators are plain strings: the
// graph records the name, the executor supplies the implementation.
const (
	OpSum  = "sum"
	OpMean = "mean"
)

// DefaultFanIn bounds how many partial results one combine node merges.
const DefaultFanIn = 4

// NodeKind classifies reduction graph nodes.
type NodeKind uint8

const (
	// NodeFetch reads one chunk's bytes.
	NodeFetch NodeKind = iota
	// NodePartial reduces a single fetched chunk to a partial result.
	NodePartial
	// NodeCombine merges partial results with the graph's operator.
	NodeCombine
)

func (k NodeKind) String() string {
	switch k {
	case NodeFetch:
		return "fetch"
	case NodePartial:
		return "partial"
	case NodeCombine:
		return "combine"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// NodeID identifies a node within its graph.
type NodeID int

// Node is one step of a reduction. Edges are the Inputs list: data only,
// no captured state, so a graph round-trips through serialization intact.
type Node struct {
	ID     NodeID                 `json:"id"`
	Kind   NodeKind               `json:"kind"`
	Chunk  *model.ChunkDescriptor `json:"chunk,omitempty"`
	Inputs []NodeID               `json:"inputs,omitempty"`
}

// Graph is an explicit reduction DAG: fetch leaves, one partial node per
// leaf, and a combine tree ending at Root. Nodes are topologically ordered;
// every node's inputs precede it.
type Graph struct {
	Op    string `json:"op"`
	Nodes []Node `json:"nodes"`
	Root  NodeID `json:"root"`
}

// BuildReduction plans a reduction over the given chunks. fanIn bounds the
// combine tree's width; values below 2 fall back to DefaultFanIn. The plan
// depends only on the chunk order, so the same descriptors always produce
// the same graph.
func BuildReduction(descs []model.ChunkDescriptor, op string, fanIn int) (*Graph, error) {
	if len(descs) == 0 {
		return nil, errors.New("reduction over no chunks")
	}
	if op == "" {
		return nil, errors.New("reduction needs an operator")
	}
	if fanIn < 2 {
		fanIn = DefaultFanIn
	}

	g := &Graph{Op: op}
	next := func() NodeID { return NodeID(len(g.Nodes)) }

	frontier := make([]NodeID, 0, len(descs))
	for i := range descs {
		chunk := descs[i]
		fetch := next()
		g.Nodes = append(g.Nodes, Node{ID: fetch, Kind: NodeFetch, Chunk: &chunk})
		partial := next()
		g.Nodes = append(g.Nodes, Node{ID: partial, Kind: NodePartial, Inputs: []NodeID{fetch}})
		frontier = append(frontier, partial)
	}

	for len(frontier) > 1 {
		var up []NodeID
		for start := 0; start < len(frontier); start += fanIn {
			end := min(start+fanIn, len(frontier))
			id := next()
			g.Nodes = append(g.Nodes, Node{
				ID:     id,
				Kind:   NodeCombine,
				Inputs: append([]NodeID(nil), frontier[start:end]...),
			})
			up = append(up, id)
		}
		frontier = up
	}
	g.Root = frontier[0]
	return g, nil
}

// Validate checks graph structure: IDs match positions, inputs exist and
// precede their node (which rules out cycles), leaves carry chunks, inner
// nodes do not, and the root is the only unconsumed node.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return errors.New("empty graph")
	}
	consumed := make([]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID != NodeID(i) {
			return fmt.Errorf("node %d carries id %d", i, n.ID)
		}
		switch n.Kind {
		case NodeFetch:
			if n.Chunk == nil {
				return fmt.Errorf("fetch node %d has no chunk", i)
			}
			if len(n.Inputs) != 0 {
				return fmt.Errorf("fetch node %d has inputs", i)
			}
		case NodePartial, NodeCombine:
			if n.Chunk != nil {
				return fmt.Errorf("%s node %d carries a chunk", n.Kind, i)
			}
			if len(n.Inputs) == 0 {
				return fmt.Errorf("%s node %d has no inputs", n.Kind, i)
			}
		default:
			return fmt.Errorf("node %d: unknown kind %d", i, n.Kind)
		}
		for _, in := range n.Inputs {
			if in < 0 || in >= NodeID(i) {
				return fmt.Errorf("node %d: input %d does not precede it", i, in)
			}
			consumed[in] = true
		}
	}
	if g.Root != NodeID(len(g.Nodes)-1) {
		return fmt.Errorf("root %d is not the final node", g.Root)
	}
	for i, c := range consumed[:len(consumed)-1] {
		if !c {
			return fmt.Errorf("node %d feeds nothing", i)
		}
	}
	return nil
}

// Chunks returns the chunk descriptors of the graph's fetch leaves, in
// node order.
func (g *Graph) Chunks() []model.ChunkDescriptor {
	var out []model.ChunkDescriptor
	for _, n := range g.Nodes {
		if n.Kind == NodeFetch {
			out = append(out, *n.Chunk)
		}
	}
	return out
}
