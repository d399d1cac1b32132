// Package predicate implements the Predicate Translator (C4): a small,
// explicitly-built expression algebra and a Translate function that turns
// it into a parameterised SQL WHERE fragment, resolving property names
// through an entity.Descriptor (never a hard-coded column name).
//
// spec.md §9 notes the source inspects typed predicates at runtime via a
// language-specific expression-tree facility; the portable equivalent is a
// tagged tree callers build explicitly, which is what Expr is.
package predicate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/untoldecay/vstore/internal/entity"
)

// ErrUnsupportedPredicate is returned for any construct outside the set
// spec.md §4.4 lists.
var ErrUnsupportedPredicate = errors.New("predicate: unsupported construct")

// Op identifies a comparison operator.
type Op string

const (
	Eq  Op = "="
	Neq Op = "!="
	Lt  Op = "<"
	Lte Op = "<="
	Gt  Op = ">"
	Gte Op = ">="
)

// Expr is a node in the predicate tree. Exactly one of its fields is
// meaningful per Kind; callers build these via the constructor functions
// below rather than populating an Expr literal directly.
type Expr struct {
	kind kind

	// comparison
	property string
	op       Op
	value    any

	// logical
	children []Expr

	// string/collection ops
	text   string
	values []any
}

type kind int

const (
	kindCompare kind = iota
	kindAnd
	kindOr
	kindNot
	kindContains
	kindStartsWith
	kindEndsWith
	kindIn
)

// Compare builds `property ⊙ value`.
func Compare(property string, op Op, value any) Expr {
	return Expr{kind: kindCompare, property: property, op: op, value: value}
}

func Eq_(property string, value any) Expr  { return Compare(property, Eq, value) }
func Neq_(property string, value any) Expr { return Compare(property, Neq, value) }

// And, Or combine two or more sub-expressions.
func And(exprs ...Expr) Expr { return Expr{kind: kindAnd, children: exprs} }
func Or(exprs ...Expr) Expr  { return Expr{kind: kindOr, children: exprs} }

// Not negates a sub-expression.
func Not(e Expr) Expr { return Expr{kind: kindNot, children: []Expr{e}} }

// Contains builds `property LIKE '%text%'`.
func Contains(property, text string) Expr {
	return Expr{kind: kindContains, property: property, text: text}
}

// StartsWith builds `property LIKE 'text%'`.
func StartsWith(property, text string) Expr {
	return Expr{kind: kindStartsWith, property: property, text: text}
}

// EndsWith builds `property LIKE '%text'`.
func EndsWith(property, text string) Expr {
	return Expr{kind: kindEndsWith, property: property, text: text}
}

// In builds `property IN (v1, v2, ...)`, expanded to one bound parameter per
// value (collection.contains(field) in spec.md §4.4's table).
func In(property string, values ...any) Expr {
	return Expr{kind: kindIn, property: property, values: values}
}

// OrderKey is one ORDER BY clause term.
type OrderKey struct {
	Property   string
	Descending bool
}

// Translate renders expr (and, if given, order) into a SQL fragment and its
// bound parameters, resolving property names through desc. An empty Expr
// (isZero) translates to "1=1" with no parameters so callers can always
// append "AND <fragment>".
func Translate(desc *entity.Descriptor, expr Expr, order []OrderKey) (string, []any, error) {
	var b strings.Builder
	var args []any
	if err := translate(desc, expr, &b, &args); err != nil {
		return "", nil, err
	}
	sqlFragment := b.String()
	if sqlFragment == "" {
		sqlFragment = "1=1"
	}
	if len(order) > 0 {
		var parts []string
		for _, ok := range order {
			col, err := resolveColumn(desc, ok.Property)
			if err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if ok.Descending {
				dir = "DESC"
			}
			parts = append(parts, fmt.Sprintf("%s %s", col, dir))
		}
		sqlFragment += " ORDER BY " + strings.Join(parts, ", ")
	}
	return sqlFragment, args, nil
}

func (e Expr) isZero() bool { return e.kind == kindCompare && e.property == "" && e.op == "" }

func translate(desc *entity.Descriptor, e Expr, b *strings.Builder, args *[]any) error {
	if e.isZero() {
		return nil
	}
	switch e.kind {
	case kindCompare:
		col, err := resolveColumn(desc, e.property)
		if err != nil {
			return err
		}
		switch e.op {
		case Eq, Neq, Lt, Lte, Gt, Gte:
			fmt.Fprintf(b, "%s %s ?", col, e.op)
			*args = append(*args, e.value)
		default:
			return fmt.Errorf("%w: operator %q", ErrUnsupportedPredicate, e.op)
		}
	case kindAnd, kindOr:
		if len(e.children) == 0 {
			return fmt.Errorf("%w: empty logical expression", ErrUnsupportedPredicate)
		}
		sep := " AND "
		if e.kind == kindOr {
			sep = " OR "
		}
		b.WriteByte('(')
		for i, c := range e.children {
			if i > 0 {
				b.WriteString(sep)
			}
			b.WriteByte('(')
			if err := translate(desc, c, b, args); err != nil {
				return err
			}
			b.WriteByte(')')
		}
		b.WriteByte(')')
	case kindNot:
		if len(e.children) != 1 {
			return fmt.Errorf("%w: NOT requires exactly one child", ErrUnsupportedPredicate)
		}
		b.WriteString("NOT (")
		if err := translate(desc, e.children[0], b, args); err != nil {
			return err
		}
		b.WriteByte(')')
	case kindContains:
		col, err := resolveColumn(desc, e.property)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "%s LIKE ? ESCAPE '\\'", col)
		*args = append(*args, "%"+escapeLike(e.text)+"%")
	case kindStartsWith:
		col, err := resolveColumn(desc, e.property)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "%s LIKE ? ESCAPE '\\'", col)
		*args = append(*args, escapeLike(e.text)+"%")
	case kindEndsWith:
		col, err := resolveColumn(desc, e.property)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "%s LIKE ? ESCAPE '\\'", col)
		*args = append(*args, "%"+escapeLike(e.text))
	case kindIn:
		col, err := resolveColumn(desc, e.property)
		if err != nil {
			return err
		}
		if len(e.values) == 0 {
			b.WriteString("1=0")
			return nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(e.values)), ",")
		fmt.Fprintf(b, "%s IN (%s)", col, placeholders)
		*args = append(*args, e.values...)
	default:
		return fmt.Errorf("%w: unknown expression kind", ErrUnsupportedPredicate)
	}
	return nil
}

// resolveColumn resolves a logical property name through the descriptor,
// including the framework tracking columns (key, version, is_deleted, ...)
// which are not in desc.Columns but are always queryable.
func resolveColumn(desc *entity.Descriptor, property string) (string, error) {
	switch strings.ToLower(property) {
	case "key":
		return entity.ColKey, nil
	case "version":
		return entity.ColVersion, nil
	case "createdtime", "created_time":
		return entity.ColCreatedTime, nil
	case "lastwritetime", "last_write_time":
		return entity.ColLastWriteTime, nil
	case "isdeleted", "is_deleted":
		return entity.ColIsDeleted, nil
	case "expirationtime", "expiration_time":
		return entity.ColExpirationTime, nil
	}
	if col, ok := desc.ColumnByProperty(property); ok {
		return col.Name, nil
	}
	return "", fmt.Errorf("%w: unknown property %q", ErrUnsupportedPredicate, property)
}

// escapeLike escapes SQL LIKE metacharacters in a value so
// contains/starts_with/ends_with only ever matches literal text.
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
