package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/placescout/backend/internal/domain"
)

// Strategy is one way of reading a field from a place page. Strategies for a
// field are tried in order and the first accepted value wins.
type Strategy struct {
	Selector string
	// Attr reads an attribute instead of the element text when set
	Attr string
	// Accept rejects values that matched the selector but are not usable
	Accept func(string) bool
}

// FieldStrategies lists the ordered strategies for each listing field
type FieldStrategies struct {
	Name    []Strategy
	Address []Strategy
	Phone   []Strategy
	Website []Strategy
}

// DefaultFieldStrategies returns the selectors for Google Maps place pages.
func DefaultFieldStrategies() FieldStrategies {
	return FieldStrategies{
		Name: []Strategy{
			{Selector: "h1.DUwDvf"},
			{Selector: "h1"},
		},
		Address: []Strategy{
			{Selector: "button[data-item-id='address'] div.fontBodyMedium"},
			{Selector: "button[data-item-id='address'] div.Io6YTe"},
			{Selector: "div.rogA2c div:nth-child(2)"},
		},
		Phone: []Strategy{
			{Selector: "button[data-item-id^='phone'] div.fontBodyMedium"},
			{Selector: "button[data-item-id^='phone'] div.Io6YTe"},
			{Selector: "a[href^='tel:']", Attr: "href", Accept: func(v string) bool { return strings.TrimPrefix(v, "tel:") != "" }},
		},
		Website: []Strategy{
			{Selector: "a[data-item-id*='authority']", Attr: "href", Accept: isExternalURL},
			{Selector: "button[data-item-id*='authority'] div.fontBodyMedium", Accept: isExternalURL},
			{Selector: "a[href^='http']", Attr: "href", Accept: isExternalURL},
		},
	}
}

// ParseListing reads a listing out of a place page document. Fields with no
// matching strategy get their "not available" sentinel.
func (fs FieldStrategies) ParseListing(doc *goquery.Document) domain.Listing {
	l := domain.EmptyListing()
	if v, ok := firstMatch(doc, fs.Name); ok {
		l.Name = v
	}
	if v, ok := firstMatch(doc, fs.Address); ok {
		l.Address = v
	}
	if v, ok := firstMatch(doc, fs.Phone); ok {
		l.Phone = strings.TrimPrefix(v, "tel:")
	}
	if v, ok := firstMatch(doc, fs.Website); ok {
		l.Website = v
	}
	return l
}

func firstMatch(doc *goquery.Document, strategies []Strategy) (string, bool) {
	for _, s := range strategies {
		var (
			value string
			found bool
		)
		doc.Find(s.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			v := readValue(sel, s.Attr)
			if v == "" || (s.Accept != nil && !s.Accept(v)) {
				return true
			}
			value, found = v, true
			return false
		})
		if found {
			return value, true
		}
	}
	return "", false
}

func readValue(sel *goquery.Selection, attr string) string {
	if attr == "" {
		return strings.TrimSpace(sel.Text())
	}
	v, _ := sel.Attr(attr)
	return strings.TrimSpace(v)
}

func isExternalURL(v string) bool {
	return strings.Contains(v, "http") && !strings.Contains(v, "google.")
}
