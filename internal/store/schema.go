package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/unitofwork/internal/model"
)

// ApplySchema creates the tables of this store's types if they don't exist.
// This function is idempotent.
func (s *Store) ApplySchema(ctx context.Context) error {
	for _, stmt := range s.schemaSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// SchemaSQL returns the statements ApplySchema runs for the types of store
// name in m, without opening a database.
func SchemaSQL(m *model.Model, name string) []string {
	return (&Store{name: name, model: m}).schemaSQL()
}

// schemaSQL returns one CREATE TABLE statement per type, in declaration
// order. SQLite resolves foreign key targets lazily, so order does not
// matter for references between tables.
func (s *Store) schemaSQL() []string {
	var out []string
	for _, t := range s.model.Types() {
		if t.StoreName() == s.name {
			out = append(out, s.createTable(t))
		}
	}
	return out
}

func (s *Store) createTable(t *model.Type) string {
	var defs []string
	rowid := len(t.Keys) == 1 && t.Keys[0].ServerGenerated && isIntKey(t.Keys[0].Kind)
	for _, c := range t.Columns() {
		switch c.Source {
		case model.ColumnKey:
			kf := t.Keys[c.Index]
			def := quoteIdent(kf.Name) + " " + keyColumnType(kf.Kind)
			if rowid {
				def += " PRIMARY KEY"
			} else {
				def += " NOT NULL"
			}
			if kf.From != "" {
				r, _ := t.Ref(kf.From)
				def += s.references(r)
			}
			defs = append(defs, def)
		case model.ColumnField:
			f := t.Fields[c.Index]
			defs = append(defs, quoteIdent(f.Name)+" "+fieldColumnType(f.Kind))
		case model.ColumnRef:
			r := t.Refs[c.Index]
			def := quoteIdent(c.Name) + " " + s.refColumnType(r)
			if r.Required {
				def += " NOT NULL"
			}
			defs = append(defs, def+s.references(r))
		}
	}
	if !rowid {
		keys := make([]string, len(t.Keys))
		for i, kf := range t.Keys {
			keys[i] = quoteIdent(kf.Name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		quoteIdent(t.TableName()), strings.Join(defs, ",\n\t"))
}

// references returns the REFERENCES clause for r, or nothing when the target
// lives in another store.
func (s *Store) references(r model.Reference) string {
	target, ok := s.model.Type(r.Target)
	if !ok || target.StoreName() != s.name {
		return ""
	}
	return fmt.Sprintf(" REFERENCES %s(%s)", quoteIdent(target.TableName()), quoteIdent(target.Keys[0].Name))
}

func (s *Store) refColumnType(r model.Reference) string {
	target, ok := s.model.Type(r.Target)
	if !ok {
		return "TEXT"
	}
	return keyColumnType(target.ScalarKeyKind())
}

func isIntKey(k model.KeyKind) bool {
	return k == model.KindInt32 || k == model.KindInt64
}

func keyColumnType(k model.KeyKind) string {
	if isIntKey(k) {
		return "INTEGER"
	}
	return "TEXT"
}

func fieldColumnType(k model.FieldKind) string {
	switch k {
	case model.FieldInt:
		return "INTEGER"
	case model.FieldBool:
		return "BOOLEAN"
	case model.FieldFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}
