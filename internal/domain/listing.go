package domain

// Sentinel values used when a field could not be read from a place page.
const (
	NoName    = "No name"
	NoAddress = "No address"
	NoPhone   = "No phone"
	NoWebsite = "No website"

	// ExtractionError fills every field of a listing whose page failed to load
	// or parse.
	ExtractionError = "extraction error"
)

// Listing represents one scraped place
type Listing struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Website string `json:"website"`
}

// ErrorListing returns the all-sentinel record for a failed extraction.
func ErrorListing() Listing {
	return Listing{
		Name:    ExtractionError,
		Address: ExtractionError,
		Phone:   ExtractionError,
		Website: ExtractionError,
	}
}

// EmptyListing returns a listing with every field set to its "not available"
// sentinel.
func EmptyListing() Listing {
	return Listing{
		Name:    NoName,
		Address: NoAddress,
		Phone:   NoPhone,
		Website: NoWebsite,
	}
}

// Failed reports whether the listing is the extraction error record.
func (l Listing) Failed() bool {
	return l.Name == ExtractionError
}

// Fields returns the listing as a CSV row in canonical column order.
func (l Listing) Fields() []string {
	return []string{l.Name, l.Address, l.Phone, l.Website}
}

// ListingColumns is the header row of a result file.
var ListingColumns = []string{"name", "address", "phone", "website"}

// CountSuccessful returns how many listings were extracted without error.
func CountSuccessful(listings []Listing) int {
	n := 0
	for _, l := range listings {
		if !l.Failed() {
			n++
		}
	}
	return n
}
