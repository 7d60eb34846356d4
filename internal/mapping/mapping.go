// Package mapping translates keyspace records into rows of a target table.
package mapping

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cybertec-postgresql/kvsync/internal/source"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Mapping declares how the records under one keyspace prefix map onto one table.
// A Mapping is immutable once validated and safe for concurrent use.
type Mapping struct {
	Name             string
	KeysPrefix       string
	Table            string
	PrimaryKeyField  string
	PrimaryKeyColumn string            // defaults to PrimaryKeyField
	Columns          map[string]string // source field -> target column
	Required         []string          // source fields an upsert must carry
	Version          string
}

// Validate rejects declarations that could never produce a valid row
func (m *Mapping) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if m.PrimaryKeyField == "" {
		errs = append(errs, errors.New("primary key field is required"))
	}
	if m.PrimaryKeyColumn == "" {
		m.PrimaryKeyColumn = m.PrimaryKeyField
	}
	if !validTable(m.Table) {
		errs = append(errs, fmt.Errorf("invalid table name %q", m.Table))
	}
	if m.PrimaryKeyColumn != "" && !identifier.MatchString(m.PrimaryKeyColumn) {
		errs = append(errs, fmt.Errorf("invalid primary key column %q", m.PrimaryKeyColumn))
	}

	targets := make(map[string]string, len(m.Columns))
	for field, column := range m.Columns {
		switch {
		case !identifier.MatchString(column):
			errs = append(errs, fmt.Errorf("field %q maps to invalid column %q", field, column))
		case column == m.PrimaryKeyColumn && field != m.PrimaryKeyField:
			errs = append(errs, fmt.Errorf("field %q maps onto the primary key column %q", field, column))
		case targets[column] != "":
			errs = append(errs, fmt.Errorf("fields %q and %q both map to column %q", targets[column], field, column))
		}
		targets[column] = field
	}
	for _, field := range m.Required {
		if _, ok := m.Columns[field]; !ok && field != m.PrimaryKeyField {
			errs = append(errs, fmt.Errorf("required field %q is not mapped", field))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid mapping %q: %w", m.Name, err)
	}
	return nil
}

func validTable(table string) bool {
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !identifier.MatchString(p) {
			return false
		}
	}
	return true
}

// Row is the target row derived from one event
type Row struct {
	Table      string
	KeyColumn  string
	PrimaryKey any
	Columns    map[string]any
	Op         source.Kind
	Sequence   source.Sequence
	Event      source.Event
}

// ID identifies the target row across batches and connectors
func (r Row) ID() string {
	return r.Table + "\x00" + fmt.Sprint(r.PrimaryKey)
}

// ColumnNames returns the row columns in a stable order
func (r Row) ColumnNames() []string {
	names := make([]string, 0, len(r.Columns))
	for name := range r.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve translates event into a row of m.Table. Unknown fields are dropped.
func Resolve(ev source.Event, m *Mapping) (Row, error) {
	if ev.Version != "" && ev.Version != m.Version {
		return Row{}, &Error{Reason: UnknownVersion, Key: ev.Key, Sequence: ev.Sequence,
			Detail: fmt.Sprintf("event version %q, mapping version %q", ev.Version, m.Version)}
	}

	row := Row{
		Table:     m.Table,
		KeyColumn: m.PrimaryKeyColumn,
		Op:        ev.Kind,
		Sequence:  ev.Sequence,
		Event:     ev,
	}

	pk, ok := ev.Fields[m.PrimaryKeyField]
	if !ok || pk == nil {
		if ev.Kind != source.Delete {
			return Row{}, missingKey(ev, m)
		}
		if pk, ok = keyID(m.KeysPrefix, ev.Key); !ok {
			return Row{}, missingKey(ev, m)
		}
	}
	row.PrimaryKey = pk

	if ev.Kind == source.Delete {
		return row, nil
	}

	for _, field := range m.Required {
		if v, ok := ev.Fields[field]; !ok || v == nil {
			return Row{}, &Error{Reason: MissingColumn, Key: ev.Key, Sequence: ev.Sequence, Detail: field}
		}
	}

	row.Columns = make(map[string]any, len(m.Columns))
	for field, column := range m.Columns {
		if v, ok := ev.Fields[field]; ok && column != m.PrimaryKeyColumn {
			row.Columns[column] = v
		}
	}
	return row, nil
}

func missingKey(ev source.Event, m *Mapping) error {
	return &Error{Reason: MissingPrimaryKey, Key: ev.Key, Sequence: ev.Sequence, Detail: m.PrimaryKeyField}
}

// keyID derives the primary key from a key made of the keyspace prefix, one
// separator and the id, e.g. "object:1" or "/objects/1".
func keyID(prefix, key string) (any, bool) {
	if prefix == "" || !strings.HasPrefix(key, prefix) {
		return nil, false
	}
	id := strings.TrimPrefix(key, prefix)
	if strings.HasSuffix(prefix, ":") || strings.HasSuffix(prefix, "/") {
		return id, id != ""
	}
	if len(id) < 2 || (id[0] != ':' && id[0] != '/') {
		return nil, false
	}
	return id[1:], true
}
