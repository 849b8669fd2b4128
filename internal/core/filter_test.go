package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutraley.com/product-assistant/internal/store"
)

var (
	coconutOil = store.Product{
		ID: "p1", Name: "Coconut Oil", Category: "Oils", Subcategory: "Cold-Pressed Oils",
		Price: 14.5, InStock: true, Certifications: []string{"Organic", "Vegan"},
	}
	quinoa = store.Product{
		ID: "p2", Name: "Quinoa", Category: "Grains", Price: 6, InStock: false,
		Certifications: []string{"Gluten-Free"}, Extra: map[string]any{"origin": "Peru", "harvest_date": "2024-03-15"},
	}
)

func mustParse(t *testing.T, expr string) *Filter {
	t.Helper()
	f, err := ParseFilter(json.RawMessage(expr))
	require.NoError(t, err)
	return f
}

func TestFilterOperators(t *testing.T) {
	cases := []struct {
		name    string
		expr    string
		coconut bool
		quinoa  bool
	}{
		{"bare value is eq", `{"category": "Oils"}`, true, false},
		{"eq", `{"category": {"$eq": "Grains"}}`, false, true},
		{"ne", `{"category": {"$ne": "Oils"}}`, false, true},
		{"in", `{"category": {"$in": ["Oils", "Seeds"]}}`, true, false},
		{"nin", `{"category": {"$nin": ["Oils"]}}`, false, true},
		{"gt", `{"price": {"$gt": 10}}`, true, false},
		{"lt", `{"price": {"$lt": 10}}`, false, true},
		{"range", `{"price": {"$gt": 5, "$lt": 10}}`, false, true},
		{"bool", `{"in_stock": true}`, true, false},
		{"set contains", `{"certifications": "Vegan"}`, true, false},
		{"set in", `{"certifications": {"$in": ["Gluten-Free"]}}`, false, true},
		{"set nin", `{"certifications": {"$nin": ["Organic"]}}`, false, true},
		{"conjunction", `{"category": "Oils", "in_stock": false}`, false, false},
		{"extra attribute", `{"origin": "Peru"}`, false, true},
		{"missing field eq", `{"subcategory": "Cold-Pressed Oils"}`, true, false},
		{"missing field ne", `{"subcategory": {"$ne": "Cold-Pressed Oils"}}`, false, true},
		{"missing field nin", `{"origin": {"$nin": ["Peru"]}}`, true, false},
		{"missing field gt", `{"weight": {"$gt": 0}}`, false, false},
		{"gt number on string field", `{"category": {"$gt": 1}}`, false, false},
		{"gt string", `{"category": {"$gt": "Herbs"}}`, true, false},
		{"lt string", `{"category": {"$lt": "Herbs"}}`, false, true},
		{"date after", `{"harvest_date": {"$gt": "2024-01-01"}}`, false, true},
		{"date window", `{"harvest_date": {"$gt": "2024-01-01", "$lt": "2024-03-01"}}`, false, false},
		{"gt string on number field", `{"price": {"$gt": "10"}}`, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := mustParse(t, tc.expr)
			assert.Equal(t, tc.coconut, f.Matches(&coconutOil), "coconut oil")
			assert.Equal(t, tc.quinoa, f.Matches(&quinoa), "quinoa")
		})
	}
}

func TestFilterContradictionMatchesNothing(t *testing.T) {
	eq := mustParse(t, `{"category": {"$eq": "Oils"}}`)
	ne := mustParse(t, `{"category": {"$ne": "Oils"}}`)
	combined := eq.And(ne)

	for _, p := range []store.Product{coconutOil, quinoa, {ID: "p3", Name: "Bare"}} {
		assert.False(t, combined.Matches(&p), p.Name)
	}
}

func TestNilFilterMatchesEverything(t *testing.T) {
	f, err := ParseFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, f.Matches(&coconutOil))

	f, err = ParseFilter(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = ParseFilter(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestParseFilterFromEncodedString(t *testing.T) {
	f := mustParse(t, `"{\"category\": {\"$ne\": \"Oils\"}}"`)
	assert.False(t, f.Matches(&coconutOil))
	assert.True(t, f.Matches(&quinoa))

	f = mustParse(t, `""`)
	assert.Nil(t, f)
}

func TestParseFilterRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{
		`{"category": {"$regex": "Oil"}}`,
		`{"category": {"$in": "Oils"}}`,
		`{"price": {"$gt": true}}`,
		`{"price": {"$lt": [10]}}`,
		`{"price": {"$lt": null}}`,
		`{"category": {}}`,
		`["Oils"]`,
		`42`,
	} {
		_, err := ParseFilter(json.RawMessage(expr))
		assert.Error(t, err, expr)
	}
}

func TestFilterString(t *testing.T) {
	f := mustParse(t, `{"category": "Oils"}`)
	assert.JSONEq(t, `{"category":{"$eq":"Oils"}}`, f.String())

	f = mustParse(t, `{"harvest_date": {"$gt": "2024-01-01"}, "price": {"$lt": 20}}`)
	assert.JSONEq(t, `{"harvest_date":{"$gt":"2024-01-01"},"price":{"$lt":20}}`, f.String())

	var nilFilter *Filter
	assert.Equal(t, "{}", nilFilter.String())
}
