package category

import (
	"encoding/json"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Mapping links a remote category token to a standard or custom category id.
type Mapping struct {
	Token       string `json:"token"`
	Description string `json:"description,omitempty"`
	CategoryID  int    `json:"categoryId"`
}

// Mapper holds the category mappings and the resulting category tree of one remote.
// It is safe for concurrent use.
type Mapper struct {
	mu       sync.RWMutex
	mappings []Mapping
	tree     []*Category
}

// NewMapper returns an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// AddMapping maps token to the standard category cat. When desc is non-empty a
// 1:1 custom category is synthesized as well (see CustomID). A nil cat declares
// the custom category only.
func (m *Mapper) AddMapping(token string, cat *Category, desc string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cat != nil {
		m.mappings = append(m.mappings, Mapping{Token: token, Description: desc, CategoryID: cat.ID})
		m.addToTree(cat)
	}

	if desc == "" {
		return
	}

	custom := New(CustomID(token), desc)
	m.mappings = append(m.mappings, Mapping{Token: token, Description: desc, CategoryID: custom.ID})
	m.addToTree(custom)
}

// AddIntMapping is AddMapping for numeric remote category ids.
func (m *Mapper) AddIntMapping(token int, cat *Category, desc string) {
	m.AddMapping(strconv.Itoa(token), cat, desc)
}

// Mappings returns a copy of the declared mappings.
func (m *Mapper) Mappings() []Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.mappings)
}

// Tokens returns the distinct remote tokens mapped to standard categories.
func (m *Mapper) Tokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, mapping := range m.mappings {
		if mapping.CategoryID < CustomBase && !slices.Contains(out, mapping.Token) {
			out = append(out, mapping.Token)
		}
	}
	return out
}

// StandardIDsForToken returns every category id (standard and custom) mapped from token.
// Matching is case-insensitive.
func (m *Mapper) StandardIDsForToken(token string) []int {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int
	for _, mapping := range m.mappings {
		if mapping.Token != "" && strings.EqualFold(mapping.Token, token) {
			out = append(out, mapping.CategoryID)
		}
	}
	return out
}

// IDsForDescription returns the category ids mapped from a remote category description.
func (m *Mapper) IDsForDescription(desc string) []int {
	if strings.TrimSpace(desc) == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int
	for _, mapping := range m.mappings {
		if mapping.Description != "" && strings.EqualFold(mapping.Description, desc) {
			out = append(out, mapping.CategoryID)
		}
	}
	return out
}

// TokensForStandardIDs maps query category ids to the distinct remote tokens to send.
// With mapChildrenToParent a requested child id also selects tokens mapped to its parent.
func (m *Mapper) TokensForStandardIDs(ids []int, mapChildrenToParent bool) []string {
	expanded := m.ExpandQueryCategories(ids, mapChildrenToParent)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, mapping := range m.mappings {
		if slices.Contains(expanded, mapping.CategoryID) && !slices.Contains(out, mapping.Token) {
			out = append(out, mapping.Token)
		}
	}
	return out
}

// ExpandQueryCategories adds the children of requested parent ids and, when
// mapChildrenToParent is set, the parent of requested child ids. Custom ids are kept as-is.
func (m *Mapper) ExpandQueryCategories(ids []int, mapChildrenToParent bool) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int
	add := func(id int) {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	for _, id := range ids {
		add(id)
		if id >= CustomBase {
			continue
		}

		if parent := m.node(id); parent != nil {
			for _, sub := range parent.SubCategories {
				add(sub.ID)
			}
			continue
		}

		if mapChildrenToParent {
			probe := &Category{ID: id}
			for _, node := range m.tree {
				if node.Contains(probe) {
					add(node.ID)
					break
				}
			}
		}
	}
	return out
}

// Tree returns the category tree. When sorted, children are ordered by id and
// top-level nodes put standard ids (ordered textually) before custom ones (ordered by name).
func (m *Mapper) Tree(sorted bool) []*Category {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Category, 0, len(m.tree))
	for _, node := range m.tree {
		cp := node.CopyWithoutSubCategories()
		for _, sub := range node.SubCategories {
			cp.SubCategories = append(cp.SubCategories, sub.CopyWithoutSubCategories())
		}
		if sorted {
			sort.SliceStable(cp.SubCategories, func(i, j int) bool {
				return cp.SubCategories[i].ID < cp.SubCategories[j].ID
			})
		}
		out = append(out, cp)
	}

	if sorted {
		sort.SliceStable(out, func(i, j int) bool {
			return treeSortKey(out[i]) < treeSortKey(out[j])
		})
	}
	return out
}

func treeSortKey(c *Category) string {
	if c.IsCustom() {
		return "zzz" + c.Name
	}
	return strconv.Itoa(c.ID)
}

// Flatten returns the tree as a flat list, each parent followed by its children.
func (m *Mapper) Flatten(sorted bool) []*Category {
	var out []*Category
	for _, node := range m.Tree(sorted) {
		out = append(out, node.CopyWithoutSubCategories())
		out = append(out, node.SubCategories...)
	}
	return out
}

// Merge adds the standard categories of other to this tree. Custom categories and
// token mappings are not merged because their ids are only meaningful per remote.
func (m *Mapper) Merge(other *Mapper) {
	for _, c := range other.Flatten(false) {
		if c.IsCustom() {
			continue
		}
		m.mu.Lock()
		m.addToTree(c)
		m.mu.Unlock()
	}
}

// SupportedCategories intersects requested with the ids present in the tree.
func (m *Mapper) SupportedCategories(requested []int) []int {
	if len(requested) == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int
	for _, node := range m.tree {
		if slices.Contains(requested, node.ID) {
			out = append(out, node.ID)
		}
	}
	for _, node := range m.tree {
		for _, sub := range node.SubCategories {
			if slices.Contains(requested, sub.ID) {
				out = append(out, sub.ID)
			}
		}
	}
	return out
}

// Len returns the number of top-level tree nodes.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tree)
}

// MarshalJSON renders the sorted tree.
func (m *Mapper) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Tree(true))
}

func (m *Mapper) node(id int) *Category {
	for _, n := range m.tree {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// addToTree places cat in the tree. Callers hold the write lock.
func (m *Mapper) addToTree(cat *Category) {
	if slices.ContainsFunc(ParentCats, func(p *Category) bool { return p.ID == cat.ID }) {
		if m.node(cat.ID) == nil {
			m.tree = append(m.tree, cat.CopyWithoutSubCategories())
		}
		return
	}

	var parent *Category
	for _, p := range ParentCats {
		if p.Contains(cat) {
			parent = p
			break
		}
	}

	if parent == nil && cat.ID > 1000 && cat.ID < 10000 {
		for _, p := range ParentCats {
			if p.ID/1000 == cat.ID/1000 {
				parent = p
				break
			}
		}
	}

	if parent == nil {
		if m.node(cat.ID) == nil {
			m.tree = append(m.tree, cat.CopyWithoutSubCategories())
		}
		return
	}

	node := m.node(parent.ID)
	if node == nil {
		node = parent.CopyWithoutSubCategories()
		m.tree = append(m.tree, node)
	}
	if !node.Contains(cat) {
		node.SubCategories = append(node.SubCategories, cat.CopyWithoutSubCategories())
	}
}
