package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PipelineVersion is mixed into every key. Bump it whenever stage logic
// changes so stale entries can never be served.
const PipelineVersion = "2026-10-01"

// Params are the import parameters that, together with the raw input,
// determine every downstream stage result.
type Params struct {
	Timezone        string `json:"timezone"`
	ExpandRecurring bool   `json:"expand_recurring"`
	HorizonDays     int    `json:"horizon_days"`
	// DaysLimit is nil for an unbounded window.
	DaysLimit *int `json:"days_limit"`
	UseLLM    bool `json:"use_llm"`
}

// PipelineKey identifies a whole pipeline run: the first 32 hex digits of
// sha256 over {v, ics: sha256(rawText), params}.
func PipelineKey(rawText string, p Params) string {
	rawSum := sha256.Sum256([]byte(rawText))
	payload := map[string]any{
		"v":      PipelineVersion,
		"ics":    hex.EncodeToString(rawSum[:]),
		"params": p,
	}
	// Params and strings always marshal.
	b, _ := canonicalJSON(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:32]
}

// HashInput returns the sha256 hex digest of the canonical JSON form of
// {v, input}. Equal inputs hash equally regardless of map ordering.
func HashInput(input any) (string, error) {
	b, err := canonicalJSON(map[string]any{"v": PipelineVersion, "input": input})
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v, then round-trips it through generic maps so
// object keys come out sorted at every depth. Numbers keep their literal
// form.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
