package entity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrMalformedRef = errors.New("malformed entity reference")
	ErrUnknownType  = errors.New("unknown entity type")
)

// Type tags an entity record.
type Type string

const (
	TypeUser         Type = "user"
	TypeOrganisation Type = "organisation"
	TypeEvent        Type = "event"
)

func (t Type) Valid() bool {
	switch t {
	case TypeUser, TypeOrganisation, TypeEvent:
		return true
	}
	return false
}

func (t Type) Category() Category {
	switch t {
	case TypeUser:
		return CategoryUsers
	case TypeOrganisation:
		return CategoryOrganisations
	case TypeEvent:
		return CategoryEvents
	}
	return ""
}

// Category names a searchable corpus of one entity type.
type Category string

const (
	CategoryUsers         Category = "users"
	CategoryOrganisations Category = "organisations"
	CategoryEvents        Category = "events"
)

// Categories returns every category in planning order.
func Categories() []Category {
	return []Category{CategoryUsers, CategoryOrganisations, CategoryEvents}
}

func (c Category) EntityType() Type {
	switch c {
	case CategoryUsers:
		return TypeUser
	case CategoryOrganisations:
		return TypeOrganisation
	case CategoryEvents:
		return TypeEvent
	}
	return ""
}

var idPattern = regexp.MustCompile(`^[a-f0-9-]+$`)

// Ref is a canonical entity reference, rendered as "type:id".
type Ref struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Type) + ":" + r.ID
}

// Marker renders the inline citation token for r.
func (r Ref) Marker() string {
	return "@@@" + r.String() + "@@@"
}

// NewRef validates and normalises a type and id pair.
func NewRef(typ, id string) (Ref, error) {
	t := Type(strings.ToLower(strings.TrimSpace(typ)))
	if !t.Valid() {
		return Ref{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	id = strings.ToLower(strings.TrimSpace(id))
	if !ValidID(id) {
		return Ref{}, fmt.Errorf("%w: invalid id %q", ErrMalformedRef, id)
	}
	return Ref{Type: t, ID: id}, nil
}

// ParseRef parses "type:id". A missing separator or a bad id yields
// ErrMalformedRef, an unrecognised type ErrUnknownType.
func ParseRef(s string) (Ref, error) {
	typ, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || typ == "" || id == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrMalformedRef, s)
	}
	return NewRef(typ, id)
}

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// RefSet is a set of refs with stable insertion order.
type RefSet struct {
	order []Ref
	index map[Ref]struct{}
}

func NewRefSet(refs ...Ref) *RefSet {
	s := &RefSet{index: make(map[Ref]struct{}, len(refs))}
	for _, r := range refs {
		s.Add(r)
	}
	return s
}

// Add reports whether r was newly inserted.
func (s *RefSet) Add(r Ref) bool {
	if _, ok := s.index[r]; ok {
		return false
	}
	s.index[r] = struct{}{}
	s.order = append(s.order, r)
	return true
}

func (s *RefSet) Has(r Ref) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[r]
	return ok
}

func (s *RefSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

func (s *RefSet) Refs() []Ref {
	if s == nil {
		return nil
	}
	out := make([]Ref, len(s.order))
	copy(out, s.order)
	return out
}
