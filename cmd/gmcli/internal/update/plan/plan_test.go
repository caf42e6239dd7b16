package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlan() *UpdatePlan {
	return &UpdatePlan{
		Images: []ImageRef{
			{Name: "graphmemory/mcp", Tag: "1.1.0", CurrentTag: "1.0.0"},
		},
	}
}

func TestValidatePassesCompletePlan(t *testing.T) {
	p := validPlan()
	p.Services = []ServiceRef{{Name: "mcp", Image: "graphmemory/mcp"}}
	p.SchemaChanges = []SchemaChange{
		{Kind: KindAddProperty, TableName: "Memory", Properties: []Property{{Name: "score", Type: "DOUBLE"}}},
		{Kind: KindAddRelTable, TableName: "DERIVED_FROM", From: "Memory", To: "Memory",
			Properties: []Property{{Name: "weight", Type: "DOUBLE"}}},
		{Kind: KindDropTable, TableName: "Legacy"},
	}
	require.NoError(t, p.Validate())
}

func TestValidateRequiresImages(t *testing.T) {
	p := &UpdatePlan{}
	require.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestValidateRequiresCurrentTag(t *testing.T) {
	p := &UpdatePlan{Images: []ImageRef{{Name: "graphmemory/mcp", Tag: "1.1.0"}}}
	require.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestValidateServiceBindingNeedsImage(t *testing.T) {
	p := validPlan()
	p.Services = []ServiceRef{{Name: "mcp"}}
	require.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestValidateSchemaChangeRules(t *testing.T) {
	cases := []struct {
		name   string
		change SchemaChange
	}{
		{"unknown kind", SchemaChange{Kind: "rename-table", TableName: "Memory"}},
		{"node table without properties", SchemaChange{Kind: KindAddNodeTable, TableName: "Memory"}},
		{"rel table without endpoints", SchemaChange{Kind: KindAddRelTable, TableName: "RELATES_TO",
			Properties: []Property{{Name: "w", Type: "DOUBLE"}}}},
		{"add property without properties", SchemaChange{Kind: KindAddProperty, TableName: "Memory"}},
		{"missing table name", SchemaChange{Kind: KindDropTable}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPlan()
			p.SchemaChanges = []SchemaChange{tc.change}
			require.ErrorIs(t, p.Validate(), ErrInvalidPlan)
		})
	}
}

func TestImageRefHelpers(t *testing.T) {
	r := ImageRef{Name: "registry.internal:5000/graphmemory/mcp", Tag: "1.1.0", CurrentTag: "1.0.0"}
	assert.Equal(t, "registry.internal:5000/graphmemory/mcp:1.1.0", r.Ref())
	assert.Equal(t, "registry.internal:5000/graphmemory/mcp:1.0.0", r.CurrentRef())
}
