// Package classify assigns a category, a priority and derived attributes
// to normalized events.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

var ErrInvalidTimezone = errors.New("classify: invalid timezone")

type Config struct {
	// Concurrency bounds in-flight external classifier calls.
	Concurrency int
	// Timeout applies to each external call.
	Timeout time.Duration
	// FallbackToRules classifies with Rules when the external classifier
	// is unavailable. When false such events become "other" with
	// confidence 0.
	FallbackToRules bool
}

type Request struct {
	Timezone    string
	Events      []model.NormalizedEvent
	UseExternal bool
}

type Stats struct {
	TotalEvents            int                    `json:"total_events"`
	ClassifiedByRules      int                    `json:"classified_by_rules"`
	ClassifiedByExternal   int                    `json:"classified_by_external"`
	ClassificationFailures int                    `json:"classification_failures"`
	ByCategory             map[model.Category]int `json:"by_category"`
}

type Result struct {
	Events []model.EnrichedEvent
	Stats  Stats
}

// Engine is the classification stage. external may be nil, in which case
// every request is classified by rules.
type Engine struct {
	cfg      Config
	rules    Rules
	external Classifier
}

func New(cfg Config, external Classifier) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Engine{cfg: cfg, external: external}
}

// Enrich returns one enriched event per input event, in input order.
func (e *Engine) Enrich(ctx context.Context, req Request) (Result, error) {
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil || req.Timezone == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, req.Timezone)
	}

	useExternal := req.UseExternal && e.external != nil
	if req.UseExternal && e.external == nil {
		appLog.Warn("external classifier requested but not configured; using rules")
	}

	var verdicts []Verdict
	if useExternal {
		verdicts = e.classifyExternal(ctx, req.Events, loc)
	}

	res := Result{
		Events: make([]model.EnrichedEvent, len(req.Events)),
		Stats: Stats{
			TotalEvents: len(req.Events),
			ByCategory:  make(map[model.Category]int),
		},
	}

	for i, ev := range req.Events {
		var (
			category   model.Category
			confidence float64
		)
		switch {
		case !useExternal:
			category, confidence = e.rules.Classify(ev, loc)
			if category != model.CategoryOther {
				res.Stats.ClassifiedByRules++
			}
		case verdicts[i].Available:
			category, confidence = verdicts[i].Category, verdicts[i].Confidence
			res.Stats.ClassifiedByExternal++
		default:
			res.Stats.ClassificationFailures++
			category, confidence = model.CategoryOther, 0
			if e.cfg.FallbackToRules {
				category, confidence = e.rules.Classify(ev, loc)
				if category != model.CategoryOther {
					res.Stats.ClassifiedByRules++
				}
			}
		}

		res.Events[i] = model.EnrichedEvent{
			NormalizedEvent: ev,
			Category:        category,
			Priority:        Priority(ev, loc),
			Attributes:      Attributes(ev, loc, confidence),
		}
		res.Stats.ByCategory[category]++
	}

	appLog.Info("enrich completed",
		"events", res.Stats.TotalEvents,
		"by_rules", res.Stats.ClassifiedByRules,
		"by_external", res.Stats.ClassifiedByExternal,
		"failures", res.Stats.ClassificationFailures,
	)
	return res, nil
}

// classifyExternal runs the external classifier with bounded parallelism.
// Each call gets its own timeout; a slow or failed call only affects its
// own event.
func (e *Engine) classifyExternal(ctx context.Context, events []model.NormalizedEvent, loc *time.Location) []Verdict {
	verdicts := make([]Verdict, len(events))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, ev := range events {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()
			verdicts[i] = e.external.Classify(callCtx, inputFor(ev, loc))
			return nil
		})
	}
	_ = g.Wait()

	return verdicts
}
