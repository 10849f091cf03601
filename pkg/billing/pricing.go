package billing

import (
	"encoding/json"
	"fmt"
	"os"
)

// pricingFileEntry mirrors PricingEntry for JSON decoding of the
// operator-supplied pricing table file (spec.md §6: "pricing table"),
// priced in USD per 1M tokens.
type pricingFileEntry struct {
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	InputPerMillion       float64 `json:"input_per_million_usd"`
	CachedInputPerMillion float64 `json:"cached_input_per_million_usd"`
	OutputPerMillion      float64 `json:"output_per_million_usd"`
}

// LoadPricingTable reads a JSON array of pricing entries from path.
func LoadPricingTable(path string) (PricingTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing table %s: %w", path, err)
	}
	var entries []pricingFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing pricing table %s: %w", path, err)
	}
	table := make(PricingTable, len(entries))
	for _, e := range entries {
		table[e.Provider+":"+e.Model] = PricingEntry{
			InputPerMillion:       e.InputPerMillion,
			CachedInputPerMillion: e.CachedInputPerMillion,
			OutputPerMillion:      e.OutputPerMillion,
		}
	}
	return table, nil
}
