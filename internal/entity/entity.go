// Package entity implements the Entity Metadata Registry (C2): it inspects a
// Go struct type's `vstore` field tags and produces a Descriptor giving the
// table name, ordered columns, primary key, indexes, and foreign keys needed
// by the mapper (C3), predicate translator (C4), and DDL generation.
//
// Struct tags are this module's equivalent of the source's attribute set
// (spec.md §9: "use an equivalent metadata mechanism native to the target
// language"). One struct field maps to at most one column; a field tagged
// `vstore:"-"` is not_mapped and never reaches SQL.
package entity

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// AuditRole names one of the five framework-owned tracking columns a field
// may be bound to via `vstore:"audit=..."`.
type AuditRole string

const (
	AuditNone          AuditRole = ""
	AuditCreatedTime   AuditRole = "created_time"
	AuditLastWriteTime AuditRole = "last_write_time"
	AuditVersion       AuditRole = "version"
	AuditIsDeleted     AuditRole = "is_deleted"
	AuditCreatedBy     AuditRole = "created_by"
	AuditLastWriteBy   AuditRole = "last_write_by"
)

// Column describes one mapped field.
type Column struct {
	FieldIndex  int // index into reflect.Type.Field
	FieldName   string
	Name        string // SQL column name
	SQLType     string // TEXT | INTEGER | REAL | BLOB
	Size        int
	Nullable    bool
	Default     string
	Order       int
	Unique      bool
	UniqueName  string
	Check       string
	Computed    string
	Persisted   bool
	JSONForced  bool
	Encrypted   bool
	EncMethod   string
	EncKeyName  string
	Audit       AuditRole
	IsPK        bool
	PKAuto      bool
	PKOrder     int
	IndexNames  []string
	ForeignKey  *ForeignKey
}

// ForeignKey describes one column's participation in a (possibly composite)
// foreign key constraint, grouped by Name across columns that share it.
type ForeignKey struct {
	Name       string
	RefTable   string
	RefColumn  string
	OnDelete   string
	OnUpdate   string
	Ordinal    int
}

// Index is one named, possibly multi-column index.
type Index struct {
	Name     string
	Columns  []string
	Unique   bool
	Filter   string
}

// Descriptor is the complete metadata for one entity type, produced once per
// Go type and cached.
type Descriptor struct {
	GoType     reflect.Type
	Table      string
	Schema     string
	Columns    []Column
	PrimaryKey []Column // ordered by PKOrder
	Indexes    []Index
	ForeignKeys map[string][]Column // constraint name -> ordered columns

	byField map[string]*Column // Go field name -> column
	byProp  map[string]*Column // lower-cased property/column name -> column
}

// TableNamer lets a value type override the default snake_case table name
// derived from its Go type name, analogous to the source's `table(name)`
// annotation.
type TableNamer interface {
	TableName() string
}

var cache sync.Map // reflect.Type -> *Descriptor

// Describe returns the Descriptor for V, building and caching it on first
// use. V must be a struct type (not a pointer).
func Describe[V any]() (*Descriptor, error) {
	var zero V
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf((*V)(nil)).Elem()
	}
	return describeType(t)
}

func describeType(t reflect.Type) (*Descriptor, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity: %s is not a struct", t)
	}
	if d, ok := cache.Load(t); ok {
		return d.(*Descriptor), nil
	}

	d := &Descriptor{
		GoType:      t,
		Table:       defaultTableName(t),
		ForeignKeys: map[string][]Column{},
		byField:     map[string]*Column{},
		byProp:      map[string]*Column{},
	}
	if tn, ok := reflect.New(t).Interface().(TableNamer); ok {
		d.Table = tn.TableName()
	}

	indexGroups := map[string][]string{}
	indexMeta := map[string]Index{}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, ok := f.Tag.Lookup("vstore")
		if ok && tag == "-" {
			continue
		}
		col := Column{
			FieldIndex: i,
			FieldName:  f.Name,
			Name:       toSnakeCase(f.Name),
			SQLType:    inferSQLType(f.Type),
			Nullable:   f.Type.Kind() == reflect.Ptr,
			Order:      i,
		}
		if ok {
			if err := applyTag(&col, tag, indexGroups, indexMeta); err != nil {
				return nil, fmt.Errorf("entity: %s.%s: %w", t, f.Name, err)
			}
		}
		d.Columns = append(d.Columns, col)
	}

	sort.SliceStable(d.Columns, func(i, j int) bool { return d.Columns[i].Order < d.Columns[j].Order })

	for i := range d.Columns {
		c := &d.Columns[i]
		d.byField[c.FieldName] = c
		d.byProp[strings.ToLower(c.FieldName)] = c
		d.byProp[strings.ToLower(c.Name)] = c
		if c.IsPK {
			d.PrimaryKey = append(d.PrimaryKey, *c)
		}
		if c.ForeignKey != nil {
			d.ForeignKeys[c.ForeignKey.Name] = append(d.ForeignKeys[c.ForeignKey.Name], *c)
		}
	}
	sort.SliceStable(d.PrimaryKey, func(i, j int) bool { return d.PrimaryKey[i].PKOrder < d.PrimaryKey[j].PKOrder })
	for name, cols := range d.ForeignKeys {
		sort.SliceStable(cols, func(i, j int) bool { return cols[i].ForeignKey.Ordinal < cols[j].ForeignKey.Ordinal })
		d.ForeignKeys[name] = cols
	}

	for name, cols := range indexGroups {
		meta := indexMeta[name]
		meta.Name = name
		meta.Columns = cols
		d.Indexes = append(d.Indexes, meta)
	}
	sort.SliceStable(d.Indexes, func(i, j int) bool { return d.Indexes[i].Name < d.Indexes[j].Name })

	cache.Store(t, d)
	return d, nil
}

// applyTag parses one `vstore:"..."` struct tag into col, recording any
// index-group/foreign-key membership into the caller's accumulators so
// multiple fields sharing a name produce one composite index/FK.
func applyTag(col *Column, tag string, indexGroups map[string][]string, indexMeta map[string]Index) error {
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, hasVal := strings.Cut(part, "=")
		switch key {
		case "column":
			if hasVal && val != "" {
				col.Name = val
			}
		case "type":
			col.SQLType = val
		case "size":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("size=%q: %w", val, err)
			}
			col.Size = n
		case "nullable":
			col.Nullable = true
		case "default":
			col.Default = val
		case "order":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("order=%q: %w", val, err)
			}
			col.Order = n
		case "unique":
			col.Unique = true
			col.UniqueName = val
		case "check":
			col.Check = val
		case "computed":
			col.Computed = val
		case "persisted":
			col.Persisted = true
		case "json":
			col.JSONForced = true
		case "encrypted":
			col.Encrypted = true
			method, keyName, _ := strings.Cut(val, ":")
			col.EncMethod = method
			col.EncKeyName = keyName
		case "audit":
			col.Audit = AuditRole(val)
		case "pk":
			col.IsPK = true
		case "auto":
			col.PKAuto = true
		case "pkorder":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("pkorder=%q: %w", val, err)
			}
			col.PKOrder = n
		case "index":
			name := val
			if name == "" {
				name = col.Name + "_idx"
			}
			col.IndexNames = append(col.IndexNames, name)
			indexGroups[name] = append(indexGroups[name], col.Name)
		case "indexunique":
			name := val
			m := indexMeta[name]
			m.Unique = true
			indexMeta[name] = m
		case "filter":
			m := indexMeta[val]
			_, expr, _ := strings.Cut(part, "filter=")
			m.Filter = expr
			indexMeta[val] = m
		case "fk":
			refTable, refColumn, _ := strings.Cut(val, ".")
			fk := col.ForeignKey
			if fk == nil {
				fk = &ForeignKey{Name: col.Name + "_fk"}
			}
			fk.RefTable = refTable
			fk.RefColumn = refColumn
			col.ForeignKey = fk
		case "name":
			if col.ForeignKey != nil {
				col.ForeignKey.Name = val
			}
		case "on_delete":
			if col.ForeignKey != nil {
				col.ForeignKey.OnDelete = val
			}
		case "on_update":
			if col.ForeignKey != nil {
				col.ForeignKey.OnUpdate = val
			}
		case "ordinal":
			if col.ForeignKey != nil {
				n, err := strconv.Atoi(val)
				if err != nil {
					return fmt.Errorf("ordinal=%q: %w", val, err)
				}
				col.ForeignKey.Ordinal = n
			}
		default:
			return fmt.Errorf("unrecognised tag key %q", key)
		}
	}
	return nil
}

// ColumnByField resolves a Go struct field name to its column descriptor.
func (d *Descriptor) ColumnByField(field string) (*Column, bool) {
	c, ok := d.byField[field]
	return c, ok
}

// ColumnByProperty resolves a logical property name (field name or column
// name, case-insensitive) to its column descriptor. This is the resolver the
// predicate translator (C4) uses so it never hard-codes a column name.
func (d *Descriptor) ColumnByProperty(prop string) (*Column, bool) {
	c, ok := d.byProp[strings.ToLower(prop)]
	return c, ok
}

func defaultTableName(t reflect.Type) string {
	return toSnakeCase(t.Name()) + "s"
}

func toSnakeCase(s string) string {
	var b strings.Builder
	prevUpper := false
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !prevUpper {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			prevUpper = true
		} else {
			b.WriteRune(r)
			prevUpper = false
		}
	}
	return b.String()
}

func inferSQLType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "TEXT"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Bool:
		return "INTEGER"
	case reflect.Float32, reflect.Float64:
		return "REAL"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "BLOB"
		}
		return "TEXT"
	case reflect.Ptr:
		return inferSQLType(t.Elem())
	default:
		return "TEXT"
	}
}
