package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"smartcal/internal/model"
)

type stubClassifier struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	verdicts map[string]Verdict
	delay    time.Duration
}

func (s *stubClassifier) Classify(ctx context.Context, in Input) Verdict {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Unavailable()
		}
	}
	return s.verdicts[in.Summary]
}

func (s *stubClassifier) Name() string { return "stub" }

func sampleEvents() []model.NormalizedEvent {
	return []model.NormalizedEvent{
		event("Team sync", at(6, 10, 0), "a", "b", "c"),
		event("Gym", at(6, 7, 0)),
		event("Mystery", at(6, 12, 0)),
	}
}

func TestEngine_EnrichWithRules(t *testing.T) {
	e := New(Config{}, nil)

	res, err := e.Enrich(context.Background(), Request{Timezone: "UTC", Events: sampleEvents()})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)

	assert.Equal(t, model.CategoryWork, res.Events[0].Category)
	assert.Equal(t, model.CategoryHealth, res.Events[1].Category)
	assert.Equal(t, model.CategoryOther, res.Events[2].Category)
	assert.Equal(t, "Team sync", res.Events[0].Summary, "order preserved")
	assert.Equal(t, []string{"meeting"}, res.Events[0].Attributes.Tags)
	assert.Equal(t, model.PriorityHigh, res.Events[1].Priority, "07:00 is outside regular hours")

	assert.Equal(t, Stats{
		TotalEvents:       3,
		ClassifiedByRules: 2,
		ByCategory: map[model.Category]int{
			model.CategoryWork:   1,
			model.CategoryHealth: 1,
			model.CategoryOther:  1,
		},
	}, res.Stats)
}

func TestEngine_InvalidTimezone(t *testing.T) {
	_, err := New(Config{}, nil).Enrich(context.Background(), Request{Timezone: "Nowhere/Land"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTimezone))
}

func TestEngine_ExternalVerdicts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stub := &stubClassifier{verdicts: map[string]Verdict{
		"Team sync": {Category: model.CategoryWork, Confidence: 0.9, Available: true},
		"Gym":       {Category: model.CategoryHealth, Confidence: 0.8, Available: true},
	}}

	res, err := New(Config{}, stub).Enrich(context.Background(), Request{
		Timezone:    "UTC",
		Events:      sampleEvents(),
		UseExternal: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), stub.calls.Load())
	assert.Equal(t, 0.9, res.Events[0].Attributes.Confidence)
	assert.Equal(t, model.CategoryOther, res.Events[2].Category)
	assert.Equal(t, 0.0, res.Events[2].Attributes.Confidence)
	assert.Equal(t, 2, res.Stats.ClassifiedByExternal)
	assert.Equal(t, 1, res.Stats.ClassificationFailures)
	assert.Equal(t, 0, res.Stats.ClassifiedByRules)
}

func TestEngine_FallbackToRules(t *testing.T) {
	stub := &stubClassifier{verdicts: map[string]Verdict{}}

	res, err := New(Config{FallbackToRules: true}, stub).Enrich(context.Background(), Request{
		Timezone:    "UTC",
		Events:      sampleEvents(),
		UseExternal: true,
	})
	require.NoError(t, err)

	assert.Equal(t, model.CategoryWork, res.Events[0].Category)
	assert.Equal(t, 3, res.Stats.ClassificationFailures)
	assert.Equal(t, 2, res.Stats.ClassifiedByRules)
}

func TestEngine_TimeoutDegradesSingleEvent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stub := &stubClassifier{
		delay:    time.Second,
		verdicts: map[string]Verdict{},
	}

	start := time.Now()
	res, err := New(Config{Timeout: 20 * time.Millisecond, Concurrency: 3}, stub).Enrich(context.Background(), Request{
		Timezone:    "UTC",
		Events:      sampleEvents(),
		UseExternal: true,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	for _, ev := range res.Events {
		assert.Equal(t, model.CategoryOther, ev.Category)
	}
	assert.Equal(t, 3, res.Stats.ClassificationFailures)
}

func TestEngine_BoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stub := &stubClassifier{delay: 10 * time.Millisecond, verdicts: map[string]Verdict{}}
	events := make([]model.NormalizedEvent, 12)
	for i := range events {
		events[i] = event("e", at(6, 10, i))
	}

	_, err := New(Config{Concurrency: 2}, stub).Enrich(context.Background(), Request{
		Timezone:    "UTC",
		Events:      events,
		UseExternal: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(12), stub.calls.Load())
	assert.LessOrEqual(t, stub.maxSeen.Load(), int32(2))
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict("<think>it is a run</think>\n{\"type\": \"health\"}")
	require.NoError(t, err)
	assert.Equal(t, Verdict{Category: model.CategoryHealth, Confidence: 0.5, Available: true}, v)

	v, err = parseVerdict(`{"type": "Work", "confidence": 1.7}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Confidence)

	for _, bad := range []string{`{"type": "napping"}`, `{"confidence": 0.9}`, `not json`} {
		v, err := parseVerdict(bad)
		assert.Error(t, err, bad)
		assert.False(t, v.Available, bad)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(Input{Summary: "Standup", Start: at(6, 9, 0), End: at(6, 9, 15), Attendees: 4})
	assert.Contains(t, p, "work, study, health, household, family, creative, travel, leisure, routine, other")
	assert.Contains(t, p, `Event: "Standup"`)
	assert.Contains(t, p, "Time: 09:00 - 09:15")
	assert.Contains(t, p, "Day: Tuesday")
	assert.Contains(t, p, "Attendees: 4")
}

func TestOllamaClassifier(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Response: `<think>meh</think>{"type": "travel", "confidence": 0.7}`,
		})
	}))
	defer srv.Close()

	o := NewOllamaClassifier(srv.URL+"/", "test-model", time.Second)
	v := o.Classify(context.Background(), Input{Summary: "Flight to Berlin", Start: at(6, 9, 0), End: at(6, 11, 0)})

	assert.Equal(t, Verdict{Category: model.CategoryTravel, Confidence: 0.7, Available: true}, v)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	assert.Contains(t, got.Prompt, "Flight to Berlin")
	assert.Equal(t, "ollama:test-model", o.Name())
}

func TestOllamaClassifier_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}},
		{"unknown type", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: `{"type": "napping"}`})
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			v := NewOllamaClassifier(srv.URL, "m", time.Second).Classify(context.Background(), Input{Summary: "x"})
			assert.False(t, v.Available)
		})
	}
}

func TestGeminiClassifier(t *testing.T) {
	_, err := NewGeminiClassifier(context.Background(), "", "")
	require.Error(t, err)

	g := &GeminiClassifier{
		model: "stub",
		generate: func(ctx context.Context, prompt string) (string, error) {
			return `{"type": "leisure", "confidence": 0.6}`, nil
		},
	}
	assert.Equal(t, Verdict{Category: model.CategoryLeisure, Confidence: 0.6, Available: true}, g.Classify(context.Background(), Input{}))

	g.generate = func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("quota exceeded")
	}
	assert.False(t, g.Classify(context.Background(), Input{}).Available)
}
