package world

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseConfig decodes a get_config XML document into a World. speed,
// unit_speed and moral are lifted out of the document and coerced to numbers;
// everything else is kept as a nested JSON object of strings.
func ParseConfig(id string, data []byte) (World, error) {
	tree, err := decodeXML(data)
	if err != nil {
		return World{}, fmt.Errorf("decode config: %w", err)
	}
	root, ok := tree["config"].(map[string]any)
	if !ok {
		return World{}, errors.New("decode config: missing <config> root")
	}

	w := World{ID: id}
	if w.Speed, err = popFloat(root, "speed"); err != nil {
		return World{}, err
	}
	if w.UnitSpeed, err = popFloat(root, "unit_speed"); err != nil {
		return World{}, err
	}
	moral, err := popFloat(root, "moral")
	if err != nil {
		return World{}, err
	}
	w.Moral = int(moral)

	if w.Config, err = json.Marshal(root); err != nil {
		return World{}, fmt.Errorf("encode config: %w", err)
	}
	return w, nil
}

func popFloat(m map[string]any, key string) (float64, error) {
	raw, ok := m[key].(string)
	if !ok {
		return 0, fmt.Errorf("config: missing %s", key)
	}
	delete(m, key)
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

// decodeXML turns an element tree into nested maps. Leaf elements become
// their trimmed text; repeated siblings collapse into a slice.
func decodeXML(data []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	type frame struct {
		name     string
		children map[string]any
		text     strings.Builder
	}
	root := &frame{children: map[string]any{}}
	stack := []*frame{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, &frame{name: t.Name.Local, children: map[string]any{}})
		case xml.CharData:
			stack[len(stack)-1].text.Write(t)
		case xml.EndElement:
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			var value any = strings.TrimSpace(cur.text.String())
			if len(cur.children) > 0 {
				value = cur.children
			}
			parent := stack[len(stack)-1].children
			switch prev := parent[cur.name].(type) {
			case nil:
				parent[cur.name] = value
			case []any:
				parent[cur.name] = append(prev, value)
			default:
				parent[cur.name] = []any{prev, value}
			}
		}
	}
	if len(stack) != 1 {
		return nil, io.ErrUnexpectedEOF
	}
	return root.children, nil
}
