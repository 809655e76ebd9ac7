// Package category implements the Newznab category taxonomy and per-remote category mapping.
package category

import (
	"crypto/sha1" //nolint:gosec // stable id derivation, not security
	"encoding/binary"
	"strconv"
	"strings"
)

// CustomBase is the first id reserved for remote-specific categories.
const CustomBase = 100000

// Category is a node of the two-level category tree.
type Category struct {
	ID            int         `json:"id"`
	Name          string      `json:"name"`
	SubCategories []*Category `json:"subCategories,omitempty"`
}

// New returns a category without children.
func New(id int, name string) *Category {
	return &Category{ID: id, Name: name}
}

// Contains reports whether other is this category or one of its children.
func (c *Category) Contains(other *Category) bool {
	if other == nil {
		return false
	}
	if c.ID == other.ID {
		return true
	}
	for _, sub := range c.SubCategories {
		if sub.ID == other.ID {
			return true
		}
	}
	return false
}

// CopyWithoutSubCategories returns a shallow copy with no children.
func (c *Category) CopyWithoutSubCategories() *Category {
	return &Category{ID: c.ID, Name: c.Name}
}

// IsCustom reports whether the category was synthesized for a single remote.
func (c *Category) IsCustom() bool {
	return c.ID >= CustomBase
}

func (c *Category) String() string {
	return c.Name + " (" + strconv.Itoa(c.ID) + ")"
}

// CustomID derives the custom category id for a remote category token.
// Integer tokens map to token+100000; anything else maps to 100000 plus the
// first two bytes of the token's SHA-1, read little-endian.
func CustomID(token string) int {
	if n, err := strconv.Atoi(strings.TrimSpace(token)); err == nil {
		return n + CustomBase
	}
	sum := sha1.Sum([]byte(token)) //nolint:gosec
	return int(binary.LittleEndian.Uint16(sum[:2])) + CustomBase
}
