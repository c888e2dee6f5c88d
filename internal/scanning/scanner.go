package scanning

import (
	"context"
	"errors"
)

// ErrInference is returned when the inference provider could not be reached
// or produced no usable response at all.
var ErrInference = errors.New("inference call failed")

// LineItem is a single row of a bill
type LineItem struct {
	ItemName string `json:"item_name"`
	Quantity Number `json:"quantity"`
	Rate     Number `json:"rate"`
	Amount   Number `json:"amount"`
}

// Result contains the structured data extracted from a bill image.
//
// A Result whose Error is set is failure-marked: the provider answered but the
// answer could not be parsed, and RawText carries what it said.
type Result struct {
	LineItems      []LineItem `json:"line_items"`
	TotalDiscounts Number     `json:"total_discounts"`
	TotalTaxes     Number     `json:"total_taxes"`

	Error   string `json:"error,omitempty"`
	RawText string `json:"raw_text,omitempty"`
}

// Failed reports whether the result is failure-marked
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Extractor defines the interface for bill extraction
type Extractor interface {
	// Extract analyzes a bill image and returns its line items and totals.
	// A response that cannot be parsed yields a failure-marked Result and a nil error.
	Extract(ctx context.Context, imageData []byte, contentType string) (*Result, error)

	// Close closes the extractor and releases resources
	Close() error
}
