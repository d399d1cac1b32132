package entity

import (
	"fmt"
	"strings"
)

// TrackingColumns are the five framework-owned columns every generated
// table carries in addition to whatever V's own tagged fields contribute,
// plus the (key, version) composite primary key and type-registry columns
// from spec.md §3.
const (
	ColKey            = "key"
	ColVersion        = "version"
	ColCreatedTime    = "created_time"
	ColLastWriteTime  = "last_write_time"
	ColIsDeleted      = "is_deleted"
	ColExpirationTime = "expiration_time"
	ColTypeName       = "type_name"
	ColAssemblyVer    = "assembly_version"
	ColBlob           = "value_blob"
)

// CreateTableDDL renders `CREATE TABLE IF NOT EXISTS` for d, following
// spec.md §4.2: framework tracking columns first, then V's own mapped
// columns in declared order, inline PK when the whole key is a single
// column (here: always `key, version` composite per spec.md §3, so the
// primary key clause is always a table constraint), then one constraint
// clause per FK group ordered by ordinal.
func CreateTableDDL(d *Descriptor, keySQLType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Table)

	cols := []string{
		fmt.Sprintf("\t%s %s NOT NULL", ColKey, keySQLType),
		fmt.Sprintf("\t%s INTEGER NOT NULL", ColVersion),
		fmt.Sprintf("\t%s TEXT NOT NULL", ColCreatedTime),
		fmt.Sprintf("\t%s TEXT NOT NULL", ColLastWriteTime),
		fmt.Sprintf("\t%s INTEGER NOT NULL DEFAULT 0", ColIsDeleted),
		fmt.Sprintf("\t%s TEXT", ColExpirationTime),
		fmt.Sprintf("\t%s TEXT NOT NULL", ColTypeName),
		fmt.Sprintf("\t%s TEXT NOT NULL DEFAULT ''", ColAssemblyVer),
		fmt.Sprintf("\t%s BLOB", ColBlob),
	}

	for _, c := range d.Columns {
		cols = append(cols, "\t"+renderColumn(c))
	}

	cols = append(cols, fmt.Sprintf("\tPRIMARY KEY (%s, %s)", ColKey, ColVersion))

	for _, name := range sortedFKNames(d) {
		group := d.ForeignKeys[name]
		var local, ref []string
		for _, c := range group {
			local = append(local, c.Name)
			ref = append(ref, c.ForeignKey.RefColumn)
		}
		clause := fmt.Sprintf("\tFOREIGN KEY (%s) REFERENCES %s(%s)",
			strings.Join(local, ", "), group[0].ForeignKey.RefTable, strings.Join(ref, ", "))
		if od := group[0].ForeignKey.OnDelete; od != "" {
			clause += " ON DELETE " + strings.ToUpper(od)
		}
		if ou := group[0].ForeignKey.OnUpdate; ou != "" {
			clause += " ON UPDATE " + strings.ToUpper(ou)
		}
		cols = append(cols, clause)
	}

	for _, c := range d.Columns {
		if c.Check != "" {
			cols = append(cols, fmt.Sprintf("\tCHECK (%s)", c.Check))
		}
	}

	b.WriteString(strings.Join(cols, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func renderColumn(c Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", c.Name, c.SQLType)
	if c.Size > 0 {
		fmt.Fprintf(&b, "(%d)", c.Size)
	}
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		fmt.Fprintf(&b, " DEFAULT %s", c.Default)
	}
	if c.Computed != "" {
		fmt.Fprintf(&b, " GENERATED ALWAYS AS (%s)", c.Computed)
		if c.Persisted {
			b.WriteString(" STORED")
		} else {
			b.WriteString(" VIRTUAL")
		}
	}
	return b.String()
}

func sortedFKNames(d *Descriptor) []string {
	names := make([]string, 0, len(d.ForeignKeys))
	for n := range d.ForeignKeys {
		names = append(names, n)
	}
	// Deterministic order keeps DDL output stable across runs (I8-style
	// idempotence expectation for generated SQL, not just predicates).
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

// CreateIndexDDL renders one `CREATE INDEX IF NOT EXISTS` statement per
// index group, followed by a `<table>_key_version_idx` index on
// (key, version DESC), since every lookup by key reads the current/latest
// row first.
func CreateIndexDDL(d *Descriptor) []string {
	var stmts []string
	for _, idx := range d.Indexes {
		kind := "INDEX"
		if idx.Unique {
			kind = "UNIQUE INDEX"
		}
		stmt := fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s(%s)",
			kind, idx.Name, d.Table, strings.Join(idx.Columns, ", "))
		if idx.Filter != "" {
			stmt += " WHERE " + idx.Filter
		}
		stmts = append(stmts, stmt)
	}
	stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_key_version_idx ON %s(%s, %s DESC)",
		d.Table, d.Table, ColKey, ColVersion))
	return stmts
}
