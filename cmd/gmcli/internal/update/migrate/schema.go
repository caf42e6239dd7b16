package migrate

import (
	"fmt"
	"strings"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/update/plan"
)

// schemaDoc is a structural model of an exported schema.cypher file:
// an ordered list of DDL statements, one per table. Patching operates on
// statements rather than on regular expressions over the raw text.
type schemaDoc struct {
	statements []string
}

// parseSchema splits schema text into statements. Statements in a Kuzu
// export are semicolon-terminated and may span lines.
func parseSchema(text string) *schemaDoc {
	var statements []string
	for _, raw := range strings.Split(text, ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return &schemaDoc{statements: statements}
}

// render serializes the schema back to statement-per-line text.
func (d *schemaDoc) render() string {
	var b strings.Builder
	for _, stmt := range d.statements {
		b.WriteString(stmt)
		b.WriteString(";\n")
	}
	return b.String()
}

// apply mutates the schema per one change.
func (d *schemaDoc) apply(change plan.SchemaChange) error {
	switch change.Kind {
	case plan.KindAddNodeTable:
		d.statements = append(d.statements, renderNodeTable(change))
		return nil
	case plan.KindAddRelTable:
		d.statements = append(d.statements, renderRelTable(change))
		return nil
	case plan.KindAddProperty:
		return d.addProperties(change)
	case plan.KindDropTable:
		return d.dropTable(change.TableName)
	default:
		return fmt.Errorf("%w: unknown change kind %q", ErrSchemaValidation, change.Kind)
	}
}

// validate confirms the change is actually present in the patched schema.
// This is a structural check per change kind, run before any import.
func (d *schemaDoc) validate(change plan.SchemaChange) error {
	switch change.Kind {
	case plan.KindAddNodeTable:
		if d.findTable("NODE", change.TableName) < 0 {
			return fmt.Errorf("%w: node table %s missing from patched schema", ErrSchemaValidation, change.TableName)
		}
	case plan.KindAddRelTable:
		if d.findTable("REL", change.TableName) < 0 {
			return fmt.Errorf("%w: rel table %s missing from patched schema", ErrSchemaValidation, change.TableName)
		}
	case plan.KindAddProperty:
		idx := d.findAnyTable(change.TableName)
		if idx < 0 {
			return fmt.Errorf("%w: table %s not found", ErrSchemaValidation, change.TableName)
		}
		for _, prop := range change.Properties {
			if !statementHasColumn(d.statements[idx], prop.Name) {
				return fmt.Errorf("%w: property %s missing from table %s", ErrSchemaValidation, prop.Name, change.TableName)
			}
		}
	case plan.KindDropTable:
		if d.findAnyTable(change.TableName) >= 0 {
			return fmt.Errorf("%w: table %s still present after drop", ErrSchemaValidation, change.TableName)
		}
	}
	return nil
}

func (d *schemaDoc) addProperties(change plan.SchemaChange) error {
	idx := d.findAnyTable(change.TableName)
	if idx < 0 {
		return fmt.Errorf("%w: table %s not found", ErrSchemaValidation, change.TableName)
	}
	stmt := d.statements[idx]
	for _, prop := range change.Properties {
		if statementHasColumn(stmt, prop.Name) {
			continue // already present, idempotent
		}
		patched, err := insertColumn(stmt, prop)
		if err != nil {
			return err
		}
		stmt = patched
	}
	d.statements[idx] = stmt
	return nil
}

func (d *schemaDoc) dropTable(name string) error {
	idx := d.findAnyTable(name)
	if idx < 0 {
		return fmt.Errorf("%w: table %s not found", ErrSchemaValidation, name)
	}
	d.statements = append(d.statements[:idx], d.statements[idx+1:]...)
	return nil
}

// findTable locates the CREATE <kind> TABLE statement for name.
func (d *schemaDoc) findTable(kind, name string) int {
	prefix := "CREATE " + kind + " TABLE " + name
	for i, stmt := range d.statements {
		head := normalizeSpace(stmt)
		if strings.HasPrefix(head, prefix+"(") || strings.HasPrefix(head, prefix+" ") {
			return i
		}
	}
	return -1
}

func (d *schemaDoc) findAnyTable(name string) int {
	if idx := d.findTable("NODE", name); idx >= 0 {
		return idx
	}
	return d.findTable("REL", name)
}

// insertColumn adds a column declaration before the PRIMARY KEY clause,
// or before the closing parenthesis when the table has none.
func insertColumn(stmt string, prop plan.Property) (string, error) {
	decl := prop.Name + " " + prop.Type

	upper := strings.ToUpper(stmt)
	if pk := strings.LastIndex(upper, "PRIMARY KEY"); pk >= 0 {
		// Insert immediately before the PRIMARY KEY clause, absorbing
		// the comma that precedes it.
		head := strings.TrimRight(stmt[:pk], " \t\n,")
		return head + ", " + decl + ", " + stmt[pk:], nil
	}

	closing := strings.LastIndex(stmt, ")")
	if closing < 0 {
		return "", fmt.Errorf("%w: malformed table statement %q", ErrSchemaValidation, stmt)
	}
	head := strings.TrimRight(stmt[:closing], " \t\n")
	return head + ", " + decl + stmt[closing:], nil
}

// statementHasColumn reports whether a column name appears as a
// declaration inside the statement's parenthesized body.
func statementHasColumn(stmt, name string) bool {
	open := strings.Index(stmt, "(")
	closing := strings.LastIndex(stmt, ")")
	if open < 0 || closing <= open {
		return false
	}
	body := stmt[open+1 : closing]
	for _, part := range splitTopLevel(body) {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

// splitTopLevel splits a declaration body on commas not nested inside
// parentheses (PRIMARY KEY(id), DECIMAL(10, 2), ...).
func splitTopLevel(body string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, body[start:])
}

func renderNodeTable(change plan.SchemaChange) string {
	var cols []string
	for _, p := range change.Properties {
		cols = append(cols, p.Name+" "+p.Type)
	}
	cols = append(cols, "PRIMARY KEY("+change.Properties[0].Name+")")
	return "CREATE NODE TABLE " + change.TableName + "(" + strings.Join(cols, ", ") + ")"
}

func renderRelTable(change plan.SchemaChange) string {
	cols := []string{"FROM " + change.From + " TO " + change.To}
	for _, p := range change.Properties {
		cols = append(cols, p.Name+" "+p.Type)
	}
	return "CREATE REL TABLE " + change.TableName + "(" + strings.Join(cols, ", ") + ")"
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
