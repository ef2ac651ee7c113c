package output

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// Table is rows of cells under headers.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable creates a table with headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// AddRow appends a row.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Records returns the rows as header-keyed maps.
func (t *Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Headers))
		for i, h := range t.Headers {
			if i < len(row) {
				rec[strings.ToLower(h)] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// Render writes the table with aligned columns.
func (t *Table) Render(w io.Writer, noHeaders bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !noHeaders && len(t.Headers) > 0 {
		fmt.Fprintln(tw, strings.Join(t.Headers, "\t"))
	}
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// TableFormatter renders tables. Values that are not a *Table are
// converted by reflection: a slice of structs becomes one row per element
// and a struct or map becomes FIELD/VALUE rows.
//
// Struct fields honour a `table` tag: "-" hides the field, "wide" shows it
// only in wide mode and "bytes" renders an integer as a human size.
type TableFormatter struct {
	Wide      bool
	NoHeaders bool
}

// Format implements Formatter.
func (f TableFormatter) Format(w io.Writer, data any) error {
	if data == nil {
		return nil
	}
	if t, ok := data.(*Table); ok {
		return t.Render(w, f.NoHeaders)
	}
	t, err := f.toTable(reflect.ValueOf(data))
	if err != nil {
		return JSONFormatter{}.Format(w, data)
	}
	return t.Render(w, f.NoHeaders)
}

type column struct {
	index int
	name  string
	bytes bool
}

func (f TableFormatter) columns(t reflect.Type) []column {
	var cols []column
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("table")
		if tag == "-" || (strings.Contains(tag, "wide") && !f.Wide) {
			continue
		}
		name := field.Name
		if j, _, _ := strings.Cut(field.Tag.Get("json"), ","); j != "" && j != "-" {
			name = j
		}
		cols = append(cols, column{index: i, name: strings.ToUpper(name), bytes: strings.Contains(tag, "bytes")})
	}
	return cols
}

func (f TableFormatter) toTable(v reflect.Value) (*Table, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return &Table{}, nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		elem := v.Type().Elem()
		for elem.Kind() == reflect.Pointer {
			elem = elem.Elem()
		}
		if elem.Kind() != reflect.Struct {
			t := NewTable("VALUE")
			for i := range v.Len() {
				t.AddRow(FormatValue(v.Index(i)))
			}
			return t, nil
		}
		cols := f.columns(elem)
		t := &Table{}
		for _, c := range cols {
			t.Headers = append(t.Headers, c.name)
		}
		for i := range v.Len() {
			e := reflect.Indirect(v.Index(i))
			row := make([]string, len(cols))
			for j, c := range cols {
				row[j] = cell(e.Field(c.index), c.bytes)
			}
			t.Rows = append(t.Rows, row)
		}
		return t, nil
	case reflect.Map:
		t := NewTable("KEY", "VALUE")
		iter := v.MapRange()
		for iter.Next() {
			t.AddRow(FormatValue(iter.Key()), FormatValue(iter.Value()))
		}
		sortRows(t)
		return t, nil
	case reflect.Struct:
		t := NewTable("FIELD", "VALUE")
		for _, c := range f.columns(v.Type()) {
			t.AddRow(strings.ToLower(c.name), cell(v.Field(c.index), c.bytes))
		}
		return t, nil
	}
	return nil, fmt.Errorf("unsupported type %s", v.Kind())
}

func cell(v reflect.Value, bytes bool) string {
	if bytes && v.CanInt() {
		return Bytes(v.Int())
	}
	return FormatValue(v)
}

func sortRows(t *Table) {
	rows := t.Rows
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j][0] < rows[j-1][0]; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

var timeType = reflect.TypeOf(time.Time{})

// FormatValue renders a single value for a table cell.
func FormatValue(v reflect.Value) string {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return "-"
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return "-"
	}
	if v.Type() == timeType {
		return Time(v.Interface().(time.Time))
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.String:
		if v.Len() == 0 {
			return "-"
		}
		return v.String()
	case reflect.Float32, reflect.Float64:
		return fmt.Sprintf("%.2f", v.Float())
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "-"
		}
		parts := make([]string, v.Len())
		for i := range v.Len() {
			parts[i] = FormatValue(v.Index(i))
		}
		return strings.Join(parts, ",")
	case reflect.Map, reflect.Struct:
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			return fmt.Sprintf("%v", v.Interface())
		}
		return string(raw)
	}
	return fmt.Sprintf("%v", v.Interface())
}

// Bytes renders a byte count such as 1.5 GiB.
func Bytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// Time renders a timestamp relative to now, such as "3 minutes ago".
func Time(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
