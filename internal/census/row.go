package census

import "strings"

// Row is one fully merged entity row. Fields line up with Schema.Columns.
type Row struct {
	World  string
	Fields []string
}

// ID returns the entity id, always the first field.
func (r Row) ID() string {
	if len(r.Fields) == 0 {
		return ""
	}
	return r.Fields[0]
}

// Values returns the row as COPY arguments, world first.
func (r Row) Values() []any {
	vals := make([]any, 0, len(r.Fields)+1)
	vals = append(vals, r.World)
	for _, f := range r.Fields {
		vals = append(vals, f)
	}
	return vals
}

// String renders the row as a comma separated line, world first.
func (r Row) String() string {
	return r.World + "," + strings.Join(r.Fields, ",")
}
