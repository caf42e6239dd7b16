package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
)

const sampleSchema = `CREATE NODE TABLE Memory(id STRING, content STRING, created_at TIMESTAMP, PRIMARY KEY(id));
CREATE NODE TABLE Session(id STRING, started_at TIMESTAMP, PRIMARY KEY(id));
CREATE REL TABLE RELATES_TO(FROM Memory TO Memory, weight DOUBLE);
`

func TestParseSchemaSplitsStatements(t *testing.T) {
	doc := parseSchema(sampleSchema)
	require.Len(t, doc.statements, 3)
	assert.True(t, strings.HasPrefix(doc.statements[0], "CREATE NODE TABLE Memory"))
	assert.True(t, strings.HasPrefix(doc.statements[2], "CREATE REL TABLE RELATES_TO"))
}

func TestApplyAddNodeTable(t *testing.T) {
	doc := parseSchema(sampleSchema)
	change := plan.SchemaChange{
		Kind:      plan.KindAddNodeTable,
		TableName: "Tag",
		Properties: []plan.Property{
			{Name: "name", Type: "STRING"},
			{Name: "color", Type: "STRING"},
		},
	}

	require.NoError(t, doc.apply(change))
	require.NoError(t, doc.validate(change))

	rendered := doc.render()
	assert.Contains(t, rendered, "CREATE NODE TABLE Tag(name STRING, color STRING, PRIMARY KEY(name));")
}

func TestApplyAddRelTable(t *testing.T) {
	doc := parseSchema(sampleSchema)
	change := plan.SchemaChange{
		Kind:      plan.KindAddRelTable,
		TableName: "TAGGED_WITH",
		From:      "Memory",
		To:        "Tag",
		Properties: []plan.Property{
			{Name: "confidence", Type: "DOUBLE"},
		},
	}

	require.NoError(t, doc.apply(change))
	require.NoError(t, doc.validate(change))
	assert.Contains(t, doc.render(), "CREATE REL TABLE TAGGED_WITH(FROM Memory TO Tag, confidence DOUBLE);")
}

func TestApplyAddPropertyBeforePrimaryKey(t *testing.T) {
	doc := parseSchema(sampleSchema)
	change := plan.SchemaChange{
		Kind:      plan.KindAddProperty,
		TableName: "Memory",
		Properties: []plan.Property{
			{Name: "updated_at", Type: "TIMESTAMP"},
		},
	}

	require.NoError(t, doc.apply(change))
	require.NoError(t, doc.validate(change))

	stmt := doc.statements[0]
	assert.Contains(t, stmt, "updated_at TIMESTAMP")
	assert.Less(t, strings.Index(stmt, "updated_at"), strings.Index(stmt, "PRIMARY KEY"),
		"new column must be declared before the PRIMARY KEY clause")
}

func TestApplyAddPropertyIdempotent(t *testing.T) {
	doc := parseSchema(sampleSchema)
	change := plan.SchemaChange{
		Kind:      plan.KindAddProperty,
		TableName: "Memory",
		Properties: []plan.Property{
			{Name: "content", Type: "STRING"}, // already declared
		},
	}

	require.NoError(t, doc.apply(change))
	assert.Equal(t, 1, strings.Count(doc.statements[0], "content STRING"))
}

func TestApplyAddPropertyNoPrimaryKey(t *testing.T) {
	doc := parseSchema("CREATE REL TABLE RELATES_TO(FROM Memory TO Memory, weight DOUBLE);")
	change := plan.SchemaChange{
		Kind:      plan.KindAddProperty,
		TableName: "RELATES_TO",
		Properties: []plan.Property{
			{Name: "kind", Type: "STRING"},
		},
	}

	require.NoError(t, doc.apply(change))
	assert.Contains(t, doc.statements[0], "weight DOUBLE, kind STRING)")
}

func TestApplyAddPropertyUnknownTable(t *testing.T) {
	doc := parseSchema(sampleSchema)
	err := doc.apply(plan.SchemaChange{
		Kind:       plan.KindAddProperty,
		TableName:  "Nonexistent",
		Properties: []plan.Property{{Name: "x", Type: "STRING"}},
	})
	assert.ErrorIs(t, err, ErrSchemaValidation)
}

func TestApplyDropTable(t *testing.T) {
	doc := parseSchema(sampleSchema)
	change := plan.SchemaChange{Kind: plan.KindDropTable, TableName: "Session"}

	require.NoError(t, doc.apply(change))
	require.NoError(t, doc.validate(change))
	assert.NotContains(t, doc.render(), "Session")
	assert.Len(t, doc.statements, 2)
}

func TestValidateDetectsMissingTable(t *testing.T) {
	doc := parseSchema(sampleSchema)
	// Not applied, so validation must fail.
	err := doc.validate(plan.SchemaChange{Kind: plan.KindAddNodeTable, TableName: "Tag"})
	assert.ErrorIs(t, err, ErrSchemaValidation)
}

func TestStatementHasColumnNestedParens(t *testing.T) {
	stmt := "CREATE NODE TABLE Metric(id STRING, value DECIMAL(10, 2), PRIMARY KEY(id))"
	assert.True(t, statementHasColumn(stmt, "value"))
	assert.True(t, statementHasColumn(stmt, "id"))
	assert.False(t, statementHasColumn(stmt, "2"), "nested comma must not split declarations")
}

func TestSplitTopLevel(t *testing.T) {
	parts := splitTopLevel("a STRING, b DECIMAL(10, 2), PRIMARY KEY(a)")
	require.Len(t, parts, 3)
	assert.Equal(t, " b DECIMAL(10, 2)", parts[1])
}
