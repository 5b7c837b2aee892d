// Package query implements the query parsing and evaluation engine.
//
// Unstructured queries (e.g., `{"age": {"$gt": 25}}`) are parsed into an
// Abstract Syntax Tree (AST), which the execution layer uses to filter
// documents and to plan index scans.
package query

import (
	"fmt"
)

// Operator represents a comparison operator (e.g., $eq, $gt, $in).
type Operator string

const (
	OpEq  Operator = "$eq"
	OpNe  Operator = "$ne"
	OpGt  Operator = "$gt"
	OpGte Operator = "$gte"
	OpLt  Operator = "$lt"
	OpLte Operator = "$lte"
	OpIn  Operator = "$in"
	OpNin Operator = "$nin"
)

// Node is the common interface for all nodes in the Query AST.
type Node interface {
	Matches(doc map[string]interface{}) bool
}

// FieldNode represents a condition on a specific field
type FieldNode struct {
	Field    string
	Operator Operator
	Value    interface{}
	// Coerce attempts type conversion before comparing; set from the
	// field's schema descriptor during planning.
	Coerce bool
}

// LogicalNode represents AND/OR operations
type LogicalNode struct {
	Operator string // $and, $or
	Children []Node
}

// Parse converts a map-based query into an AST.
// query: { "age": { "$gt": 25 }, "status": "active" }
func Parse(query map[string]interface{}) (Node, error) {
	var nodes []Node

	for key, val := range query {
		if key == "$and" || key == "$or" {
			list, ok := val.([]interface{})
			if !ok {
				// Accept []map form produced by Go callers directly.
				if maps, ok2 := val.([]map[string]interface{}); ok2 {
					list = make([]interface{}, len(maps))
					for i, m := range maps {
						list[i] = m
					}
				} else {
					return nil, fmt.Errorf("value for %s must be a list", key)
				}
			}
			children := make([]Node, 0, len(list))
			for _, item := range list {
				subMap, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("element of %s must be an object", key)
				}
				subNode, err := Parse(subMap)
				if err != nil {
					return nil, err
				}
				children = append(children, subNode)
			}
			nodes = append(nodes, &LogicalNode{Operator: key, Children: children})
			continue
		}

		if valMap, ok := val.(map[string]interface{}); ok && isOperatorMap(valMap) {
			for op, opVal := range valMap {
				switch Operator(op) {
				case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin:
					nodes = append(nodes, &FieldNode{Field: key, Operator: Operator(op), Value: opVal})
				default:
					return nil, fmt.Errorf("unknown operator: %s", op)
				}
			}
		} else {
			// Implicit $eq
			nodes = append(nodes, &FieldNode{Field: key, Operator: OpEq, Value: val})
		}
	}

	return &LogicalNode{Operator: "$and", Children: nodes}, nil
}

func isOperatorMap(m map[string]interface{}) bool {
	for k := range m {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

// Fields returns every field path the node constrains, in no particular
// order. Used for schema-aware validation.
func Fields(n Node) []string {
	var out []string
	collectFields(n, &out)
	return out
}

func collectFields(n Node, out *[]string) {
	switch node := n.(type) {
	case *FieldNode:
		*out = append(*out, node.Field)
	case *LogicalNode:
		for _, c := range node.Children {
			collectFields(c, out)
		}
	}
}

// TopLevelField returns the single field condition of a query consisting of
// exactly one field conjunct, for index planning. Returns nil otherwise.
func TopLevelField(n Node) *FieldNode {
	root, ok := n.(*LogicalNode)
	if !ok || root.Operator != "$and" || len(root.Children) != 1 {
		return nil
	}
	f, _ := root.Children[0].(*FieldNode)
	return f
}

// FirstIndexable returns the first field conjunct of a top-level $and that
// uses an index-friendly operator.
func FirstIndexable(n Node, indexed func(field string) bool) *FieldNode {
	root, ok := n.(*LogicalNode)
	if !ok || root.Operator != "$and" {
		return nil
	}
	for _, c := range root.Children {
		f, ok := c.(*FieldNode)
		if !ok || !indexed(f.Field) {
			continue
		}
		switch f.Operator {
		case OpEq, OpGt, OpGte, OpLt, OpLte:
			return f
		}
	}
	return nil
}

// Matches checks if a document satisfies the field condition.
func (n *FieldNode) Matches(doc map[string]interface{}) bool {
	val, exists := lookupPath(doc, n.Field)

	switch n.Operator {
	case OpNe:
		// $ne matches absent fields, like the comparison against a missing
		// value it is.
		if !exists {
			return true
		}
		return !valueEquals(val, n.Value, n.Coerce)
	case OpNin:
		if !exists {
			return true
		}
		return !inList(val, n.Value, n.Coerce)
	}

	if !exists {
		return false
	}

	switch n.Operator {
	case OpEq:
		return valueEquals(val, n.Value, n.Coerce)
	case OpIn:
		return inList(val, n.Value, n.Coerce)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareOrdered(val, n.Value, n.Coerce)
		if !ok {
			// Incompatible types fail the conjunct.
			return false
		}
		switch n.Operator {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		}
	}
	return false
}

func (n *LogicalNode) Matches(doc map[string]interface{}) bool {
	if n.Operator == "$and" {
		for _, child := range n.Children {
			if !child.Matches(doc) {
				return false
			}
		}
		return true
	}
	if n.Operator == "$or" {
		for _, child := range n.Children {
			if child.Matches(doc) {
				return true
			}
		}
		return false
	}
	return false
}

func inList(val, expected interface{}, coerce bool) bool {
	list, ok := expected.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if valueEquals(val, item, coerce) {
			return true
		}
	}
	return false
}

func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}
	// Dot-notation descent
	cur := interface{}(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}
