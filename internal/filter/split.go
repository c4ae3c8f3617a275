package filter

import (
	"fmt"
)

// Peel separates top-level conjuncts whose fields belong to another
// evaluation context, such as relation predicates (`author.name=="X"`)
// that must run against the target table rather than the parent.
//
// strip classifies a field: when it returns ok, the comparison moves into
// the named group with the field rewritten to rest. Peeling only happens
// across the top-level conjunction; a disjunction that mixes peeled and
// local fields cannot be split soundly and is rejected.
func Peel(c *Compiled, strip func(field string) (group, rest string, ok bool)) (*Compiled, map[string]*Compiled, error) {
	if c.IsTautology() {
		return c, nil, nil
	}

	var conjuncts []Node
	if and, ok := c.root.(*AndNode); ok {
		conjuncts = and.Children
	} else {
		conjuncts = []Node{c.root}
	}

	var localNodes []Node
	groupNodes := make(map[string][]Node)

	for _, n := range conjuncts {
		group, rewritten, err := classify(n, strip)
		if err != nil {
			return nil, nil, err
		}
		if group == "" {
			localNodes = append(localNodes, n)
		} else {
			groupNodes[group] = append(groupNodes[group], rewritten)
		}
	}

	local := c.fromNodes(localNodes)
	if len(groupNodes) == 0 {
		return local, nil, nil
	}
	groups := make(map[string]*Compiled, len(groupNodes))
	for g, nodes := range groupNodes {
		groups[g] = c.fromNodes(nodes)
	}
	return local, groups, nil
}

// classify resolves which group a conjunct belongs to. Every comparison
// inside it must agree; "" means it stays local.
func classify(n Node, strip func(string) (string, string, bool)) (string, Node, error) {
	switch n := n.(type) {
	case *ComparisonNode:
		group, rest, ok := strip(n.Field)
		if !ok {
			return "", n, nil
		}
		return group, &ComparisonNode{Field: rest, Op: n.Op, Value: n.Value}, nil
	case *AndNode:
		return classifyChildren(n.Children, strip, func(children []Node) Node {
			return &AndNode{Children: children}
		})
	case *OrNode:
		return classifyChildren(n.Children, strip, func(children []Node) Node {
			return &OrNode{Children: children}
		})
	}
	return "", n, nil
}

func classifyChildren(children []Node, strip func(string) (string, string, bool), rebuild func([]Node) Node) (string, Node, error) {
	group := ""
	rewritten := make([]Node, len(children))
	for i, child := range children {
		g, rw, err := classify(child, strip)
		if err != nil {
			return "", nil, err
		}
		if i == 0 {
			group = g
		} else if g != group {
			return "", nil, fmt.Errorf("cannot mix relation and local predicates inside one clause")
		}
		rewritten[i] = rw
	}
	if group == "" {
		return "", rebuild(children), nil
	}
	return group, rebuild(rewritten), nil
}

// fromNodes assembles a Compiled from a conjunct subset, keeping the
// source expression's registry.
func (c *Compiled) fromNodes(nodes []Node) *Compiled {
	switch len(nodes) {
	case 0:
		return &Compiled{reg: c.reg}
	case 1:
		return &Compiled{raw: nodes[0].String(), root: nodes[0], reg: c.reg}
	default:
		root := &AndNode{Children: nodes}
		return &Compiled{raw: root.String(), root: root, reg: c.reg}
	}
}
