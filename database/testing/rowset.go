package testing

import (
	"fmt"
	"reflect"
)

// RowSet is a fixed result set returned by FakeProvider reader queries.
//
//	rows := NewRowSet("id", "name").
//	    AddRow(int64(1), "Alice").
//	    AddRow(int64(2), "Bob")
//
//	p.ExpectRows("SELECT id, name FROM users", rows)
type RowSet struct {
	columns []string
	rows    [][]any
}

// NewRowSet creates an empty RowSet with the given column names.
func NewRowSet(columns ...string) *RowSet {
	return &RowSet{columns: columns}
}

// AddRow appends a row. It panics when the value count does not match the
// column count.
func (rs *RowSet) AddRow(values ...any) *RowSet {
	if len(values) != len(rs.columns) {
		panic(fmt.Sprintf("AddRow: expected %d values for columns %v, got %d",
			len(rs.columns), rs.columns, len(values)))
	}
	rs.rows = append(rs.rows, values)
	return rs
}

// AddRows appends count rows produced by generator.
func (rs *RowSet) AddRows(count int, generator func(i int) []any) *RowSet {
	for i := 0; i < count; i++ {
		rs.AddRow(generator(i)...)
	}
	return rs
}

// RowCount returns the number of rows.
func (rs *RowSet) RowCount() int {
	return len(rs.rows)
}

func (rs *RowSet) cursor() *rowCursor {
	return &rowCursor{set: rs, pos: -1}
}

// rowCursor implements types.Rows over a RowSet.
type rowCursor struct {
	set *RowSet
	pos int
	err error
}

func (c *rowCursor) Next() bool {
	if c.pos+1 >= len(c.set.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *rowCursor) Err() error {
	return c.err
}

// Scan assigns the current row to dest pointers. Values are assigned when
// assignable or convertible to the pointed-to type.
func (c *rowCursor) Scan(dest ...any) error {
	if c.pos < 0 || c.pos >= len(c.set.rows) {
		return fmt.Errorf("fake: Scan called without a current row")
	}
	row := c.set.rows[c.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("fake: expected %d destination arguments in Scan, not %d", len(row), len(dest))
	}

	for i, d := range dest {
		target := reflect.ValueOf(d)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("fake: destination %d is not a non-nil pointer", i)
		}
		elem := target.Elem()
		if row[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		value := reflect.ValueOf(row[i])
		switch {
		case value.Type().AssignableTo(elem.Type()):
			elem.Set(value)
		case value.Type().ConvertibleTo(elem.Type()):
			elem.Set(value.Convert(elem.Type()))
		default:
			return fmt.Errorf("fake: cannot scan %T into %s (column %q)", row[i], elem.Type(), c.set.columns[i])
		}
	}
	return nil
}
