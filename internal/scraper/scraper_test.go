package scraper

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placescout/backend/internal/domain"
)

const placePage = `<html><body>
<h1 class="DUwDvf lfPIob"> Blue Bottle Coffee </h1>
<button data-item-id="address"><div class="Io6YTe fontBodyMedium">1 Ferry Building, San Francisco</div></button>
<button data-item-id="phone:tel:+14155550100"><div class="Io6YTe fontBodyMedium">(415) 555-0100</div></button>
<a data-item-id="authority" href="https://bluebottlecoffee.com/">bluebottlecoffee.com</a>
</body></html>`

const sparsePage = `<html><body>
<h1>Corner Cafe</h1>
<a href="https://www.google.com/maps/about">About</a>
<a href="tel:+3225550199">Call</a>
</body></html>`

func parse(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestParseListingFullPage(t *testing.T) {
	l := DefaultFieldStrategies().ParseListing(parse(t, placePage))

	assert.Equal(t, domain.Listing{
		Name:    "Blue Bottle Coffee",
		Address: "1 Ferry Building, San Francisco",
		Phone:   "(415) 555-0100",
		Website: "https://bluebottlecoffee.com/",
	}, l)
}

func TestParseListingFallsBackAndUsesSentinels(t *testing.T) {
	l := DefaultFieldStrategies().ParseListing(parse(t, sparsePage))

	assert.Equal(t, "Corner Cafe", l.Name)
	assert.Equal(t, domain.NoAddress, l.Address)
	assert.Equal(t, "+3225550199", l.Phone)
	assert.Equal(t, domain.NoWebsite, l.Website, "google links are not a website")
}

func TestParseListingEmptyPage(t *testing.T) {
	l := DefaultFieldStrategies().ParseListing(parse(t, "<html><body></body></html>"))
	assert.Equal(t, domain.EmptyListing(), l)
	assert.False(t, l.Failed())
}

func TestFirstSuccessWins(t *testing.T) {
	doc := parse(t, `<div class="a"></div><div class="b">second</div><div class="c">third</div>`)
	v, ok := firstMatch(doc, []Strategy{
		{Selector: "div.a"},
		{Selector: "div.b"},
		{Selector: "div.c"},
	})
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestBuildSearchURL(t *testing.T) {
	assert.Equal(t,
		"https://www.google.com/maps/search/coffee+shop",
		BuildSearchURL(domain.SearchRequest{Query: " coffee shop "}))

	assert.Equal(t,
		"https://www.google.com/maps/search/pho/@10.7769,106.7009,14z",
		BuildSearchURL(domain.SearchRequest{
			Query:       "pho",
			Coordinates: &domain.Coordinates{Lat: 10.7769, Lng: 106.7009},
		}))
}

func TestRefSetCollapsesDuplicatesInOrder(t *testing.T) {
	s := newRefSet()
	added := s.Add(
		"https://www.google.com/maps/place/a",
		"https://www.google.com/maps/place/b",
		"https://www.google.com/maps/place/a",
		"https://www.google.com/search?q=x",
		"",
	)
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, s.Add("https://www.google.com/maps/place/b"))
	assert.Equal(t, []string{
		"https://www.google.com/maps/place/a",
		"https://www.google.com/maps/place/b",
	}, s.Items())
}
