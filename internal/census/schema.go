// Package census defines the entity tables fed by the upstream map data:
// their columns, the feeds that populate them and the rows they hold.
package census

import (
	"fmt"
	"strings"
)

// Kind names an entity table.
type Kind string

const (
	Player  Kind = "player"
	Tribe   Kind = "tribe"
	Village Kind = "village"
)

// Kinds lists the entity tables in ingestion order. Player must precede Tribe:
// the tribe support columns are accumulated while players are merged.
var Kinds = []Kind{Player, Tribe, Village}

// Column is one column of an entity table.
type Column struct {
	Name string
	Type string
}

// Feed is a secondary ranking feed. Each of its lines is "rank,id,value";
// the value lands in the Value column and the rank in the Rank column.
type Feed struct {
	File  string
	Value string
	Rank  string

	// Support marks the feed whose values are summed per tribe.
	Support bool
}

// Schema describes one entity table and how its rows are assembled.
type Schema struct {
	Kind Kind

	// Columns excludes the leading world column.
	Columns []Column

	// BaseFile supplies the first len(Base) columns of every row.
	BaseFile string
	Base     []string

	Secondary []Feed

	// Derived holds columns computed by the merger rather than fed upstream.
	Derived *Feed

	// Group is the column that ties a row to its tribe for support totals.
	Group string

	index map[string]int
}

var schemas = map[Kind]*Schema{
	Player: build(&Schema{
		Kind: Player,
		Columns: []Column{
			{"id", "BIGINT"},
			{"name", "VARCHAR(288)"},
			{"tribe_id", "INT"},
			{"villages", "INT"},
			{"points", "BIGINT"},
			{"rank", "INT"},
			{"att_bash", "BIGINT"},
			{"att_rank", "INT"},
			{"def_bash", "BIGINT"},
			{"def_rank", "INT"},
			{"sup_bash", "BIGINT"},
			{"sup_rank", "INT"},
			{"all_bash", "BIGINT"},
			{"all_rank", "INT"},
		},
		BaseFile: "player.txt",
		Base:     []string{"id", "name", "tribe_id", "villages", "points", "rank"},
		Secondary: []Feed{
			{File: "kill_att.txt", Value: "att_bash", Rank: "att_rank"},
			{File: "kill_def.txt", Value: "def_bash", Rank: "def_rank"},
			{File: "kill_sup.txt", Value: "sup_bash", Rank: "sup_rank", Support: true},
			{File: "kill_all.txt", Value: "all_bash", Rank: "all_rank"},
		},
		Group: "tribe_id",
	}),
	Tribe: build(&Schema{
		Kind: Tribe,
		Columns: []Column{
			{"id", "INT"},
			{"name", "VARCHAR(384)"},
			{"tag", "VARCHAR(72)"},
			{"member", "SMALLINT"},
			{"villages", "INT"},
			{"points", "BIGINT"},
			{"all_points", "BIGINT"},
			{"rank", "INT"},
			{"att_bash", "BIGINT"},
			{"att_rank", "INT"},
			{"def_bash", "BIGINT"},
			{"def_rank", "INT"},
			{"all_bash", "BIGINT"},
			{"all_rank", "INT"},
			{"sup_bash", "BIGINT"},
			{"sup_rank", "INT"},
		},
		BaseFile: "ally.txt",
		Base:     []string{"id", "name", "tag", "member", "villages", "points", "all_points", "rank"},
		Secondary: []Feed{
			{File: "kill_att_tribe.txt", Value: "att_bash", Rank: "att_rank"},
			{File: "kill_def_tribe.txt", Value: "def_bash", Rank: "def_rank"},
			{File: "kill_all_tribe.txt", Value: "all_bash", Rank: "all_rank"},
		},
		Derived: &Feed{Value: "sup_bash", Rank: "sup_rank"},
	}),
	Village: build(&Schema{
		Kind: Village,
		Columns: []Column{
			{"id", "INT"},
			{"name", "VARCHAR(384)"},
			{"x", "SMALLINT"},
			{"y", "SMALLINT"},
			{"player_id", "BIGINT"},
			{"points", "INT"},
			{"rank", "SMALLINT"},
		},
		BaseFile: "village.txt",
		Base:     []string{"id", "name", "x", "y", "player_id", "points", "rank"},
	}),
}

func build(s *Schema) *Schema {
	s.index = make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		s.index[c.Name] = i
	}
	return s
}

// SchemaFor returns the schema of an entity kind.
func SchemaFor(k Kind) (*Schema, error) {
	s, ok := schemas[k]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", k)
	}
	return s, nil
}

// MustSchema is SchemaFor for the built-in kinds.
func MustSchema(k Kind) *Schema {
	s, err := SchemaFor(k)
	if err != nil {
		panic(err)
	}
	return s
}

// Index returns the position of a column within Row.Fields, or -1.
func (s *Schema) Index(name string) int {
	i, ok := s.index[name]
	if !ok {
		return -1
	}
	return i
}

// Files returns the feed files in merge order, base first.
func (s *Schema) Files() []string {
	files := []string{s.BaseFile}
	for _, f := range s.Secondary {
		files = append(files, f.File)
	}
	return files
}

// ColumnNames returns every column of the table, world first.
func (s *Schema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns)+1)
	names = append(names, "world")
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Definition renders the column list used by CREATE TABLE, including the
// primary key.
func (s *Schema) Definition() string {
	defs := make([]string, 0, len(s.Columns)+2)
	defs = append(defs, "world VARCHAR(6)")
	for _, c := range s.Columns {
		defs = append(defs, c.Name+" "+c.Type)
	}
	defs = append(defs, "PRIMARY KEY (world, id)")
	return strings.Join(defs, ", ")
}
