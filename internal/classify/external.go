package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smartcal/internal/model"
)

// Verdict is the outcome of one external classification. A zero Verdict
// is unavailable.
type Verdict struct {
	Category   model.Category
	Confidence float64
	Available  bool
}

func Unavailable() Verdict { return Verdict{} }

// Input is what an external classifier sees of an event. Times are
// already in the request timezone.
type Input struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   int
}

// Classifier delegates categorization to an external language model.
// Implementations never return errors; any failure is Unavailable.
type Classifier interface {
	Classify(ctx context.Context, in Input) Verdict
	Name() string
}

func inputFor(ev model.NormalizedEvent, loc *time.Location) Input {
	return Input{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       ev.Start.In(loc),
		End:         ev.End.In(loc),
		Attendees:   len(ev.Attendees),
	}
}

func buildPrompt(in Input) string {
	names := make([]string, len(model.Categories))
	for i, c := range model.Categories {
		names[i] = string(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Classify this calendar event into one of these types: %s\n\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "Event: %q\n", in.Summary)
	fmt.Fprintf(&b, "Description: %q\n", in.Description)
	fmt.Fprintf(&b, "Time: %s - %s\n", in.Start.Format("15:04"), in.End.Format("15:04"))
	fmt.Fprintf(&b, "Day: %s\n", in.Start.Weekday())
	fmt.Fprintf(&b, "Attendees: %d\n\n", in.Attendees)
	b.WriteString(`Return JSON: {"type": "event_type", "confidence": 0.0-1.0}`)
	return b.String()
}

type verdictPayload struct {
	Type       *string  `json:"type"`
	Confidence *float64 `json:"confidence"`
}

// parseVerdict decodes a model reply. Reasoning models may emit a
// <think>...</think> preamble which is discarded. A missing confidence
// counts as 0.5.
func parseVerdict(text string) (Verdict, error) {
	if i := strings.LastIndex(text, "</think>"); i >= 0 {
		text = text[i+len("</think>"):]
	}
	text = strings.TrimSpace(text)

	var p verdictPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Unavailable(), fmt.Errorf("decode verdict: %w", err)
	}
	if p.Type == nil {
		return Unavailable(), fmt.Errorf("verdict has no type")
	}
	category, err := model.ParseCategory(strings.ToLower(strings.TrimSpace(*p.Type)))
	if err != nil {
		return Unavailable(), err
	}

	confidence := 0.5
	if p.Confidence != nil {
		confidence = clamp01(*p.Confidence)
	}
	return Verdict{Category: category, Confidence: confidence, Available: true}, nil
}
