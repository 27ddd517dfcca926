package pipeline

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StringList accepts either a scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or list of strings", node.Line)
	}
}

// Matrix is an explicit, ordered list of named variable-assignment entries.
// It is never expanded as a cartesian product.
type Matrix struct {
	Entries []MatrixEntry
}

// MatrixEntry is one named variable assignment tuple.
type MatrixEntry struct {
	Name      string
	Variables map[string]string
}

// Len returns the number of declared entries.
func (m *Matrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Entries)
}

// UnmarshalYAML decodes a mapping of entry name to variable mapping, keeping
// declaration order.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping of entry name to variables", node.Line)
	}
	entries := make([]MatrixEntry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		vars := map[string]string{}
		if value.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: matrix entry %q must be a mapping of variables", value.Line, key.Value)
		}
		if err := value.Decode(&vars); err != nil {
			return fmt.Errorf("matrix entry %q: %w", key.Value, err)
		}
		entries = append(entries, MatrixEntry{Name: key.Value, Variables: vars})
	}
	m.Entries = entries
	return nil
}

// MarshalYAML writes the matrix back as an ordered mapping.
func (m Matrix) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range m.Entries {
		var value yaml.Node
		if err := value.Encode(e.Variables); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: e.Name}, &value)
	}
	return node, nil
}

func itoa(i int) string { return strconv.Itoa(i) }
