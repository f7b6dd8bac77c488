package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Coordinates is an optional geographic hint for a search
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SearchRequest is a validated search submitted to the task service
type SearchRequest struct {
	Query         string       `json:"query"`
	Count         int          `json:"count"`
	Coordinates   *Coordinates `json:"coordinates,omitempty"`
	CallerSession string       `json:"session_id,omitempty"`
}

// NormalizeQuery lowercases the query and collapses runs of whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Fingerprint derives the result cache key from the normalized query, the
// requested count and the coordinates.
func (r SearchRequest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", NormalizeQuery(r.Query), r.Count, r.coordinateKey())
	return hex.EncodeToString(h.Sum(nil))
}

// DedupKey scopes duplicate suppression. Count is left out so that asking for
// more results of the same search still hides what the caller already saw.
func (r SearchRequest) DedupKey() string {
	return NormalizeQuery(r.Query) + "|" + r.coordinateKey()
}

func (r SearchRequest) coordinateKey() string {
	if r.Coordinates == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f,%.6f", r.Coordinates.Lat, r.Coordinates.Lng)
}
