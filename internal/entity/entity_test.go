package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr error
	}{
		{in: "user:ab12-cd", want: Ref{Type: TypeUser, ID: "ab12-cd"}},
		{in: "ORGANISATION:FF00", want: Ref{Type: TypeOrganisation, ID: "ff00"}},
		{in: " event:0a ", want: Ref{Type: TypeEvent, ID: "0a"}},
		{in: "user-ab12", wantErr: ErrMalformedRef},
		{in: "user:", wantErr: ErrMalformedRef},
		{in: ":abc", wantErr: ErrMalformedRef},
		{in: "user:not-hex!", wantErr: ErrMalformedRef},
		{in: "club:abc", wantErr: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, string(tt.want.Type)+":"+tt.want.ID, got.String())
		})
	}
}

func TestCategoryTypeRoundTrip(t *testing.T) {
	for _, c := range Categories() {
		assert.Equal(t, c, c.EntityType().Category())
	}
	assert.Equal(t, Type(""), Category("venues").EntityType())
}

func TestRefSet(t *testing.T) {
	a := Ref{Type: TypeUser, ID: "a1"}
	b := Ref{Type: TypeEvent, ID: "b2"}

	s := NewRefSet(a, b, a)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []Ref{a, b}, s.Refs())
	assert.True(t, s.Has(b))
	assert.False(t, s.Has(Ref{Type: TypeOrganisation, ID: "a1"}))

	var nilSet *RefSet
	assert.False(t, nilSet.Has(a))
	assert.Zero(t, nilSet.Len())
}

func TestFilterAllows(t *testing.T) {
	assert.True(t, Filter{}.Allows("x"))

	ex := ExcludeFilter("a1", "b2")
	assert.False(t, ex.Allows("a1"))
	assert.True(t, ex.Allows("c3"))

	in := IncludeFilter("a1")
	assert.True(t, in.Allows("a1"))
	assert.False(t, in.Allows("c3"))
}

func TestBuildFilters(t *testing.T) {
	refs := []Ref{
		{Type: TypeOrganisation, ID: "a1"},
		{Type: TypeOrganisation, ID: "b2"},
		{Type: TypeOrganisation, ID: "a1"},
		{Type: TypeUser, ID: "c3"},
	}
	categories := []Category{CategoryOrganisations, CategoryEvents}

	t.Run("exclude", func(t *testing.T) {
		filters := BuildFilters(false, refs, categories)
		require.Len(t, filters, 2)
		assert.Equal(t, ExcludeFilter("a1", "b2"), filters[CategoryOrganisations])
		assert.True(t, filters[CategoryEvents].IsZero())
		_, hasUsers := filters[CategoryUsers]
		assert.False(t, hasUsers)
	})

	t.Run("include", func(t *testing.T) {
		filters := BuildFilters(true, refs, categories)
		assert.Equal(t, FilterInclude, filters[CategoryOrganisations].Op)
		assert.Equal(t, FieldEntityID, filters[CategoryOrganisations].Field)
	})
}
