package entity

// FilterOp selects how a Filter's id set is applied.
type FilterOp string

const (
	FilterExclude FilterOp = "exclude"
	FilterInclude FilterOp = "include"
)

// FieldEntityID is the corpus attribute a Filter matches against.
const FieldEntityID = "entity_id"

// Filter restricts one category's search. The zero value is a no-op.
type Filter struct {
	Op    FilterOp `json:"op"`
	Field string   `json:"field"`
	IDs   []string `json:"ids"`
}

func ExcludeFilter(ids ...string) Filter {
	return Filter{Op: FilterExclude, Field: FieldEntityID, IDs: ids}
}

func IncludeFilter(ids ...string) Filter {
	return Filter{Op: FilterInclude, Field: FieldEntityID, IDs: ids}
}

func (f Filter) IsZero() bool {
	return len(f.IDs) == 0
}

// Allows reports whether an entity id passes the filter.
func (f Filter) Allows(id string) bool {
	if f.IsZero() {
		return true
	}
	found := false
	for _, x := range f.IDs {
		if x == id {
			found = true
			break
		}
	}
	if f.Op == FilterInclude {
		return found
	}
	return !found
}

// BuildFilters groups refs into one filter per category. Categories
// without refs get the zero filter.
func BuildFilters(include bool, refs []Ref, categories []Category) map[Category]Filter {
	byCategory := make(map[Category][]string)
	seen := make(map[Ref]struct{})
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		c := r.Type.Category()
		byCategory[c] = append(byCategory[c], r.ID)
	}

	filters := make(map[Category]Filter, len(categories))
	for _, c := range categories {
		ids := byCategory[c]
		switch {
		case len(ids) == 0:
			filters[c] = Filter{}
		case include:
			filters[c] = IncludeFilter(ids...)
		default:
			filters[c] = ExcludeFilter(ids...)
		}
	}
	return filters
}
