package scanning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const parseFailureMessage = "Failed to parse response as JSON"

// Number is a monetary or quantity value reported by a model. Models are not
// consistent about quoting numbers, so strings such as "1,250.00" or "$3.50"
// are accepted as well.
type Number float64

var numberCleaner = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", "₹", "", "%", "")

// UnmarshalJSON accepts JSON numbers, numeric strings and null
func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(numberCleaner.Replace(strings.TrimSpace(str)), 64)
		if err != nil {
			// Unreadable values like "N/A" are dropped rather than failing the whole bill
			*n = 0
			return nil
		}
		*n = Number(f)
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", s, err)
	}
	*n = Number(f)
	return nil
}

// MarshalJSON writes failure-marked results as {error, raw_text} only
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(struct {
			Error   string `json:"error"`
			RawText string `json:"raw_text"`
		}{r.Error, r.RawText})
	}

	type plain Result
	p := plain(r)
	if p.LineItems == nil {
		p.LineItems = []LineItem{}
	}
	return json.Marshal(p)
}

// billJSON is the shape the prompt asks the model to produce
type billJSON struct {
	LineItems      []LineItem `json:"line_items"`
	TotalDiscounts Number     `json:"total_discounts"`
	TotalTaxes     Number     `json:"total_taxes"`
}

// stripCodeFences removes markdown code fences wrapped around a response
func stripCodeFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```JSON", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// failedResult builds a failure-marked result around the provider's raw text
func failedResult(raw string) *Result {
	return &Result{
		Error:   parseFailureMessage,
		RawText: raw,
	}
}

// parseBillJSON parses the text response from a provider. It never returns an
// error: text that cannot be parsed comes back as a failure-marked Result.
func parseBillJSON(raw string) *Result {
	text := stripCodeFences(raw)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	endIdx := strings.LastIndex(text, "}")
	if startIdx == -1 || endIdx < startIdx {
		slog.Warn("No JSON object found in model response", "length", len(raw))
		return failedResult(raw)
	}

	var data billJSON
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &data); err != nil {
		slog.Warn("Failed to parse model response", "error", err)
		return failedResult(raw)
	}

	items := make([]LineItem, 0, len(data.LineItems))
	for _, item := range data.LineItems {
		item.ItemName = strings.TrimSpace(item.ItemName)
		items = append(items, item)
	}

	return &Result{
		LineItems:      items,
		TotalDiscounts: data.TotalDiscounts,
		TotalTaxes:     data.TotalTaxes,
	}
}
