package purchase

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// statusNone is the pseudo status of a correlation id that has no record yet.
const statusNone Status = ""

// transitions lists every status change the machine may persist.
var transitions = []struct{ from, to Status }{
	{statusNone, StatusAccepted},
	{statusNone, StatusRejected},
	{StatusAccepted, StatusItemsReserved},
	{StatusAccepted, StatusRejected},
	{StatusItemsReserved, StatusPaymentInitiated},
	{StatusItemsReserved, StatusCompleted},
	{StatusItemsReserved, StatusFaulted},
	{StatusPaymentInitiated, StatusCompleted},
	{StatusPaymentInitiated, StatusFaulted},
}

// Allowed reports whether a persisted change from one status to another is part of the graph.
func Allowed(from, to Status) bool {
	for _, t := range transitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

type statusNode struct {
	id     int64
	status Status
}

func (n statusNode) ID() int64 { return n.id }

func (n statusNode) DOTID() string {
	if n.status == statusNone {
		return "Start"
	}
	return string(n.status)
}

// TransitionGraph builds the status graph as a gonum directed graph.
func TransitionGraph() *simple.DirectedGraph {
	g := simple.NewDirectedGraph()
	nodes := map[Status]statusNode{statusNone: {id: 0, status: statusNone}}
	g.AddNode(nodes[statusNone])
	for i, s := range statuses {
		n := statusNode{id: int64(i + 1), status: s}
		nodes[s] = n
		g.AddNode(n)
	}
	for _, t := range transitions {
		g.SetEdge(simple.Edge{F: nodes[t.from], T: nodes[t.to]})
	}
	return g
}

// ValidateTransitions checks that statuses only move forward and that terminal statuses have no exits.
func ValidateTransitions() error {
	g := TransitionGraph()
	if _, err := topo.Sort(g); err != nil {
		return fmt.Errorf("purchase transitions contain a cycle: %w", err)
	}
	nodes := g.Nodes()
	for nodes.Next() {
		n := nodes.Node().(statusNode)
		if n.status.Terminal() && g.From(n.ID()).Len() > 0 {
			return fmt.Errorf("terminal status %s has outgoing transitions", n.status)
		}
		if n.status != statusNone && g.To(n.ID()).Len() == 0 {
			return fmt.Errorf("status %s is unreachable", n.status)
		}
	}
	return nil
}

// TransitionGraphDOT renders the status graph in Graphviz format.
func TransitionGraphDOT() ([]byte, error) {
	var g graph.Directed = TransitionGraph()
	return dot.Marshal(g, "purchase", "", "  ")
}
