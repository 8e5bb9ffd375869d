package stm

import (
	"fmt"
	"maps"
)

// State is the payload of a cell at one point in time. The engine never looks
// inside it: it only stores references and compares them with Config.Equal.
// Payloads must be treated as immutable; a nil State means "absent".
type State any

// Cell is the immutable identity of a named memory cell. Two cells are the
// same cell when their names match.
type Cell struct {
	name  string
	props map[string]any
}

func newCell(name string, props map[string]any) (*Cell, error) {
	if name == "" {
		return nil, ErrInvalidCell
	}
	for k := range props {
		if k == "" {
			return nil, fmt.Errorf("%w: empty key on cell %q", ErrInvalidProperty, name)
		}
	}
	return &Cell{name: name, props: maps.Clone(props)}, nil
}

// Name returns the unique cell name.
func (c *Cell) Name() string { return c.name }

// Key is the hashing key of the cell (its name).
func (c *Cell) Key() string { return c.name }

// Property looks up an immutable property set at creation.
func (c *Cell) Property(key string) (any, bool) {
	v, ok := c.props[key]
	return v, ok
}

// Properties returns a copy of the property bag.
func (c *Cell) Properties() map[string]any {
	return maps.Clone(c.props)
}

// Equal compares cells by name.
func (c *Cell) Equal(other *Cell) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.name == other.name
}

func (c *Cell) String() string { return c.name }
