package lineage

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/emergent-company/catalog-sync/domain/catalog"
)

// Node is one entity of a lineage graph. The counts are the node's total
// direct edges in each direction, not the number of edges returned.
type Node struct {
	ID              string `json:"id"`
	Type            string `json:"entityType"`
	FQN             string `json:"fullyQualifiedName"`
	Name            string `json:"name,omitempty"`
	Depth           int    `json:"depth"`
	UpstreamCount   int    `json:"entityUpstreamCount"`
	DownstreamCount int    `json:"entityDownstreamCount"`

	counted bool
}

// Edge points downstream: FromEntity feeds ToEntity.
type Edge struct {
	FromEntity string `json:"fromEntity"`
	ToEntity   string `json:"toEntity"`
}

// Layer holds the edges discovered at one BFS depth. Depth 1 is the layer
// adjacent to the root.
type Layer struct {
	Depth int
	Edges []Edge
}

// Layers renders as {"1": [...], "2": [...]}.
type Layers []Layer

func (l Layers) MarshalJSON() ([]byte, error) {
	m := make(map[string][]Edge, len(l))
	for _, layer := range l {
		m[strconv.Itoa(layer.Depth)] = layer.Edges
	}
	return json.Marshal(m)
}

func (l *Layers) UnmarshalJSON(data []byte) error {
	var m map[string][]Edge
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(Layers, 0, len(m))
	for k, edges := range m {
		depth, err := strconv.Atoi(k)
		if err != nil {
			return err
		}
		out = append(out, Layer{Depth: depth, Edges: edges})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	*l = out
	return nil
}

// EdgeCount returns the number of edges across all layers.
func (l Layers) EdgeCount() int {
	n := 0
	for _, layer := range l {
		n += len(layer.Edges)
	}
	return n
}

// Graph is the result of a lineage query.
type Graph struct {
	Root            string           `json:"root"`
	Nodes           map[string]*Node `json:"nodes"`
	UpstreamEdges   Layers           `json:"upstreamEdges"`
	DownstreamEdges Layers           `json:"downstreamEdges"`
	// Truncated is set when the edge budget ran out or a node had more
	// edges than the page size allowed.
	Truncated bool `json:"truncated"`
}

func newGraph(root *catalog.Entity) *Graph {
	g := &Graph{
		Root:            root.ID,
		Nodes:           make(map[string]*Node),
		UpstreamEdges:   Layers{},
		DownstreamEdges: Layers{},
	}
	g.addNode(root.ID, root.Type, root.FQN, root.Name, 0)
	return g
}

// addNode records a node at the depth it was first reached. A node already
// present keeps its earlier depth.
func (g *Graph) addNode(id, typ, fqn, name string, depth int) (*Node, bool) {
	if n, ok := g.Nodes[id]; ok {
		return n, false
	}
	n := &Node{ID: id, Type: typ, FQN: fqn, Name: name, Depth: depth}
	g.Nodes[id] = n
	return n, true
}

func (g *Graph) layers(dir catalog.Direction) *Layers {
	if dir == catalog.Upstream {
		return &g.UpstreamEdges
	}
	return &g.DownstreamEdges
}
