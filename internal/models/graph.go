package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// GraphNode is the canonical node shape persisted by every graph backend.
// ParentID is empty for root nodes.
type GraphNode struct {
	ID          string `json:"id" validate:"required,max=128"`
	Name        string `json:"name" validate:"required,max=512"`
	Level       int    `json:"level" validate:"min=0,max=64"`
	Type        string `json:"type" validate:"max=64"`
	ParentID    string `json:"parentId,omitempty" validate:"omitempty,max=128,nefield=ID"`
	Description string `json:"description,omitempty" validate:"max=4096"`
	Color       string `json:"color,omitempty" validate:"max=32"`
}

type GraphEdge struct {
	ID       string `json:"id" validate:"required,max=128"`
	SourceID string `json:"sourceId" validate:"required,max=128"`
	TargetID string `json:"targetId" validate:"required,max=128"`
	Label    string `json:"label,omitempty" validate:"max=256"`
	Strength int    `json:"strength" validate:"min=1,max=5"`
}

// DefaultEdgeStrength applies when a producer leaves Strength unset.
const DefaultEdgeStrength = 1

type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// EmptyGraph returns a graph whose slices encode as [] rather than null.
func EmptyGraph() Graph {
	return Graph{Nodes: []GraphNode{}, Edges: []GraphEdge{}}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims identifiers and fills defaults. It does not validate.
func (n GraphNode) Normalize() GraphNode {
	n.ID = strings.TrimSpace(n.ID)
	n.ParentID = strings.TrimSpace(n.ParentID)
	n.Name = strings.TrimSpace(n.Name)
	return n
}

func (n GraphNode) Validate() error {
	if err := validate.Struct(n); err != nil {
		return describe("node", n.ID, err)
	}
	return nil
}

// HasParent reports whether the node declares a parent reference.
func (n GraphNode) HasParent() bool {
	return n.ParentID != ""
}

func (e GraphEdge) Normalize() GraphEdge {
	e.ID = strings.TrimSpace(e.ID)
	e.SourceID = strings.TrimSpace(e.SourceID)
	e.TargetID = strings.TrimSpace(e.TargetID)
	if e.Strength == 0 {
		e.Strength = DefaultEdgeStrength
	}
	return e
}

func (e GraphEdge) Validate() error {
	if err := validate.Struct(e); err != nil {
		return describe("edge", e.ID, err)
	}
	return nil
}

// describe flattens validator output into one readable line.
func describe(kind, id string, err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%s %q: %w", kind, id, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%s %q: %s", kind, id, strings.Join(parts, "; "))
}
