// Package mapper implements the Mapper (C3): translating between in-memory
// Record[K, V] values and parameterised SQL rows, using the Descriptor
// produced by internal/entity (C2) and the codec chosen by
// internal/serializer (C8).
package mapper

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/vstore/internal/entity"
	"github.com/untoldecay/vstore/internal/serializer"
)

// TimeLayout is the one ISO-8601 text layout used for every timestamp
// column in a database (SPEC_FULL.md §3's timestamp decision): UTC with
// exactly nine fractional digits, so the stored text sorts in time order.
// Mixing layouts within one database is forbidden by spec.md §4.3.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is the full durable form of one entity version: the tracking
// fields from spec.md §3 plus the user's key and value.
type Record[K comparable, V any] struct {
	Key            K
	Value          V
	Version        uint64
	CreatedTime    time.Time
	LastWriteTime  time.Time
	IsDeleted      bool
	ExpirationTime *time.Time
	TypeName       string
	AssemblyVer    string
}

// KeyCodec serialises/deserialises a key to/from the TEXT or BLOB form
// stored in the `key` column. The codec is chosen once per Mapper.
type KeyCodec[K comparable] struct {
	SQLType     string // "TEXT" or "BLOB"
	Encode      func(K) (any, error)
	Decode      func(any) (K, error)
}

// DefaultKeyCodec builds a KeyCodec for common scalar key types (string,
// any integer kind) via fmt.Sprint / fmt.Sscan, which covers the
// overwhelming majority of cache keys without requiring callers to supply
// their own codec.
func DefaultKeyCodec[K comparable]() KeyCodec[K] {
	return KeyCodec[K]{
		SQLType: "TEXT",
		Encode: func(k K) (any, error) {
			return fmt.Sprint(k), nil
		},
		Decode: func(raw any) (K, error) {
			var zero K
			s, ok := raw.(string)
			if !ok {
				if b, isBytes := raw.([]byte); isBytes {
					s = string(b)
				} else {
					return zero, fmt.Errorf("mapper: unexpected key storage type %T", raw)
				}
			}
			var k K
			// string-kinded keys: fmt.Sscan on a bare string target
			// reads only the first whitespace-delimited token, which
			// breaks keys containing spaces. Handle that case directly.
			if sp, ok := any(&k).(*string); ok {
				*sp = s
				return k, nil
			}
			if _, err := fmt.Sscan(s, &k); err != nil {
				return zero, fmt.Errorf("mapper: decode key %q: %w", s, err)
			}
			return k, nil
		},
	}
}

// Op identifies which statement shape Mapper builds.
type Op int

const (
	OpSelect Op = iota
	OpInsert
	OpUpdate
	OpDelete
)

// Mapper binds and reads Record[K, V] values for one entity Descriptor.
type Mapper[K comparable, V any] struct {
	Desc       *entity.Descriptor
	KeyCodec   KeyCodec[K]
	Serializer serializer.Serializer[V]
	TypeName   string
	Assembly   string
}

// New builds a Mapper for V, describing it via internal/entity and
// resolving its codec via internal/serializer.
func New[K comparable, V any](keyCodec KeyCodec[K], ser serializer.Serializer[V], typeName, assemblyVersion string) (*Mapper[K, V], error) {
	d, err := entity.Describe[V]()
	if err != nil {
		return nil, err
	}
	return &Mapper[K, V]{
		Desc:       d,
		KeyCodec:   keyCodec,
		Serializer: ser,
		TypeName:   typeName,
		Assembly:   assemblyVersion,
	}, nil
}

// SerializeKey renders k as the value to bind for the `key` column.
func (m *Mapper[K, V]) SerializeKey(k K) (any, error) { return m.KeyCodec.Encode(k) }

// DeserializeKey parses the `key` column value back into a K.
func (m *Mapper[K, V]) DeserializeKey(raw any) (K, error) { return m.KeyCodec.Decode(raw) }

// SerializeEntity renders v as bytes for the blob column, via C8.
func (m *Mapper[K, V]) SerializeEntity(v V) ([]byte, error) { return m.Serializer.Serialize(v) }

// TableDDL returns the CREATE TABLE and CREATE INDEX statements for this
// mapper's table, per entity.CreateTableDDL/CreateIndexDDL (C2).
func (m *Mapper[K, V]) TableDDL() []string {
	stmts := []string{entity.CreateTableDDL(m.Desc, m.KeyCodec.SQLType)}
	stmts = append(stmts, entity.CreateIndexDDL(m.Desc)...)
	return stmts
}

// columnNames returns the full ordered column list for this mapper's table:
// the framework tracking columns, then V's own tagged columns.
func (m *Mapper[K, V]) columnNames() []string {
	cols := []string{
		entity.ColKey, entity.ColVersion, entity.ColCreatedTime, entity.ColLastWriteTime,
		entity.ColIsDeleted, entity.ColExpirationTime, entity.ColTypeName, entity.ColAssemblyVer, entity.ColBlob,
	}
	for _, c := range m.Desc.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}

// InsertStatement returns the parameterised INSERT for a new row, along with
// the bound arguments in the same order as the statement's placeholders.
// No user-supplied string ever reaches the statement text: every value is
// passed as a bound `?` parameter.
func (m *Mapper[K, V]) InsertStatement(r Record[K, V]) (string, []any, error) {
	cols := m.columnNames()
	args, err := m.args(r)
	if err != nil {
		return "", nil, err
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		m.Desc.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return stmt, args, nil
}

// Args renders r's full column list as bound arguments, in the same order
// ColumnNames returns them.
func (m *Mapper[K, V]) Args(r Record[K, V]) ([]any, error) { return m.args(r) }

// ColumnNames is the exported form of columnNames, used by store.go to
// build SELECT/UPDATE statement text.
func (m *Mapper[K, V]) ColumnNames() []string { return m.columnNames() }

// UpdateColumnsAndArgs returns the column=? assignment list (everything
// except key, created_time, type_name, assembly_version, which never change
// on an UPDATE per spec.md §3's immutability rule) and their bound values
// from r, in matching order.
func (m *Mapper[K, V]) UpdateColumnsAndArgs(r Record[K, V]) ([]string, []any, error) {
	allCols := m.columnNames()
	allArgs, err := m.args(r)
	if err != nil {
		return nil, nil, err
	}
	immutable := map[string]bool{
		entity.ColKey: true, entity.ColCreatedTime: true, entity.ColTypeName: true, entity.ColAssemblyVer: true,
	}
	var cols []string
	var args []any
	for i, c := range allCols {
		if immutable[c] {
			continue
		}
		cols = append(cols, c)
		args = append(args, allArgs[i])
	}
	return cols, args, nil
}

func (m *Mapper[K, V]) args(r Record[K, V]) ([]any, error) {
	keyArg, err := m.SerializeKey(r.Key)
	if err != nil {
		return nil, fmt.Errorf("mapper: serialise key: %w", err)
	}
	blob, err := m.SerializeEntity(r.Value)
	if err != nil {
		return nil, fmt.Errorf("mapper: serialise value: %w", err)
	}
	typeName := r.TypeName
	if typeName == "" {
		typeName = m.TypeName
	}
	assembly := r.AssemblyVer
	if assembly == "" {
		assembly = m.Assembly
	}
	args := []any{
		keyArg,
		r.Version,
		r.CreatedTime.UTC().Format(TimeLayout),
		r.LastWriteTime.UTC().Format(TimeLayout),
		boolToInt(r.IsDeleted),
		nullableTime(r.ExpirationTime),
		typeName,
		assembly,
		blob,
	}
	fieldsVal := toStructValue(r.Value)
	for _, c := range m.Desc.Columns {
		v, err := columnValueFromStruct(c, fieldsVal)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// MapFromReader scans one result row (whose columns must be exactly
// columnNames(), in that order) into a Record: the tracking fields come from
// their columns and the value V from the blob column alone. V's projected
// columns are scanned but never read back into V.
func (m *Mapper[K, V]) MapFromReader(rows *sql.Rows) (Record[K, V], error) {
	var rec Record[K, V]
	n := len(m.columnNames())
	dest := make([]any, n)
	scan := make([]any, n)
	for i := range dest {
		scan[i] = &dest[i]
	}
	if err := rows.Scan(scan...); err != nil {
		return rec, fmt.Errorf("mapper: scan row: %w", err)
	}
	return m.fromScanned(dest)
}

func (m *Mapper[K, V]) fromScanned(dest []any) (Record[K, V], error) {
	var rec Record[K, V]
	key, err := m.DeserializeKey(dest[0])
	if err != nil {
		return rec, err
	}
	rec.Key = key
	rec.Version = toUint64(dest[1])
	rec.CreatedTime, err = parseTime(dest[2])
	if err != nil {
		return rec, fmt.Errorf("mapper: parse created_time: %w", err)
	}
	rec.LastWriteTime, err = parseTime(dest[3])
	if err != nil {
		return rec, fmt.Errorf("mapper: parse last_write_time: %w", err)
	}
	rec.IsDeleted = toInt64(dest[4]) != 0
	if dest[5] != nil {
		t, err := parseTime(dest[5])
		if err != nil {
			return rec, fmt.Errorf("mapper: parse expiration_time: %w", err)
		}
		rec.ExpirationTime = &t
	}
	rec.TypeName, _ = dest[6].(string)
	rec.AssemblyVer, _ = dest[7].(string)

	var blob []byte
	switch b := dest[8].(type) {
	case []byte:
		blob = b
	case string:
		blob = []byte(b)
	}
	val, err := m.Serializer.Deserialize(blob)
	if err != nil {
		return rec, fmt.Errorf("mapper: deserialise value: %w", err)
	}
	rec.Value = val
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(TimeLayout)
}

func parseTime(raw any) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		if b, isBytes := raw.([]byte); isBytes {
			s = string(b)
		} else {
			return time.Time{}, fmt.Errorf("unexpected timestamp storage type %T", raw)
		}
	}
	return time.Parse(TimeLayout, s)
}

func toUint64(raw any) uint64 {
	switch n := raw.(type) {
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}

func toInt64(raw any) int64 {
	switch n := raw.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}
