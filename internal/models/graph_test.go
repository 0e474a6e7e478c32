package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphNodeValidate(t *testing.T) {
	cases := []struct {
		name    string
		node    GraphNode
		wantErr string
	}{
		{"root", GraphNode{ID: "n1", Name: "Leadership", Level: 0}, ""},
		{"child", GraphNode{ID: "n2", Name: "Vision", Level: 1, ParentID: "n1"}, ""},
		{"missing id", GraphNode{Name: "x"}, "ID failed required"},
		{"missing name", GraphNode{ID: "n3"}, "Name failed required"},
		{"negative level", GraphNode{ID: "n4", Name: "x", Level: -1}, "Level failed min=0"},
		{"self parent", GraphNode{ID: "n5", Name: "x", Level: 2, ParentID: "n5"}, "ParentID failed nefield=ID"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.node.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestGraphEdgeNormalizeDefaultsStrength(t *testing.T) {
	e := GraphEdge{ID: " e1 ", SourceID: "a", TargetID: "b"}.Normalize()

	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, DefaultEdgeStrength, e.Strength)
	assert.NoError(t, e.Validate())
}

func TestGraphEdgeValidateStrengthRange(t *testing.T) {
	e := GraphEdge{ID: "e1", SourceID: "a", TargetID: "b", Strength: 9}

	err := e.Validate()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Strength failed max=5"), err.Error())
}

func TestEmptyGraphEncodesArrays(t *testing.T) {
	data, err := json.Marshal(EmptyGraph())
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, string(data))
}

func TestGraphNodeJSONOmitsEmptyParent(t *testing.T) {
	data, err := json.Marshal(GraphNode{ID: "n1", Name: "Root", Type: "role"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "parentId")
}
