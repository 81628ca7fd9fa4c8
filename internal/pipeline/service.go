// Package pipeline wires the calendar stages together: import, enrich,
// analyze and recommend, each memoized through the content-addressed cache
// where its result does not depend on the wall clock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smartcal/internal/cache"
	"smartcal/internal/classify"
	"smartcal/internal/config"
	"smartcal/internal/habits"
	"smartcal/internal/ics"
	appLog "smartcal/internal/log"
	"smartcal/internal/normalize"
	"smartcal/internal/recommend"
)

// ErrNoInput is returned by Import when no calendar text, events or URL
// were supplied.
var ErrNoInput = errors.New("pipeline: no input provided")

// Service runs pipeline stages with a shared configuration.
type Service struct {
	cfg      *config.Config
	cache    *cache.Cache
	external classify.Classifier
	fetcher  *ics.Fetcher
	now      func() time.Time

	normalizer  *normalize.Engine
	enricher    *classify.Engine
	analyzer    *habits.Analyzer
	recommender *recommend.Recommender
}

type Option func(*Service)

// WithClock overrides time.Now for every stage.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCache enables stage memoization. A nil cache disables it.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClassifier sets the external classifier used when a request asks
// for one.
func WithClassifier(c classify.Classifier) Option {
	return func(s *Service) { s.external = c }
}

// WithFetcher sets the ICS subscription fetcher used for ImportInput.ICSURL.
func WithFetcher(f *ics.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Service{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = ics.NewFetcher(cfg.Import.ICSCacheDir, 0)
	}

	s.normalizer = normalize.New(
		normalize.Config{MaxOccurrencesPerEvent: cfg.Import.MaxOccurrencesPerEvent},
		normalize.WithClock(s.now),
	)
	s.enricher = classify.New(classify.Config{
		Concurrency:     cfg.Classifier.Concurrency,
		Timeout:         cfg.Classifier.Timeout(),
		FallbackToRules: cfg.Classifier.FallbackToRules,
	}, s.external)
	s.analyzer = habits.New(habits.Config{DefaultWindows: cfg.HabitWindows()}, habits.WithClock(s.now))
	s.recommender = recommend.New(cfg.RecommendEngineConfig(), recommend.WithClock(s.now))
	return s
}

// importKey is the cache input of the import stage. The raw text enters
// only through its hash inside Pipeline; WeekStart pins the window.
type importKey struct {
	Pipeline  string      `json:"pipeline"`
	RawEvents any         `json:"raw_events,omitempty"`
	WeekStart string      `json:"week_start"`
	Request   ImportInput `json:"request"`
}

func (s *Service) Import(ctx context.Context, in ImportInput) (ImportOutput, error) {
	out, _, _, err := s.runImport(ctx, in, false)
	return out, err
}

func (s *Service) runImport(ctx context.Context, in ImportInput, useLLM bool) (ImportOutput, string, bool, error) {
	if in.RawText == "" && len(in.RawEvents) == 0 && in.ICSURL == "" {
		return ImportOutput{}, "", false, ErrNoInput
	}

	tz := s.timezone(in.Timezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return ImportOutput{}, "", false, fmt.Errorf("%w: %q", normalize.ErrInvalidTimezone, tz)
	}

	if in.RawText == "" && in.ICSURL != "" {
		res, err := s.fetcher.Fetch(ctx, in.ICSURL)
		if err != nil {
			return ImportOutput{}, "", false, fmt.Errorf("fetch ics: %w", err)
		}
		in.RawText = string(res.Body)
	}

	expand := s.cfg.Import.ExpandRecurrence
	if in.ExpandRecurrence != nil {
		expand = *in.ExpandRecurrence
	}
	horizon := in.HorizonDays
	if horizon <= 0 {
		horizon = s.cfg.Import.HorizonDays
	}
	limit := s.cfg.Import.DaysLimit
	if in.DaysLimit != nil {
		limit = *in.DaysLimit
	}
	var daysLimit *int
	if limit >= 0 {
		daysLimit = &limit
	}

	params := cache.Params{
		Timezone:        tz,
		ExpandRecurring: expand,
		HorizonDays:     horizon,
		DaysLimit:       daysLimit,
		UseLLM:          useLLM,
	}
	pipelineKey := cache.PipelineKey(in.RawText, params)

	key := importKey{
		Pipeline:  pipelineKey,
		WeekStart: normalize.StartOfWeek(s.now(), loc).Format(time.DateOnly),
		Request:   ImportInput{ICSURL: in.ICSURL},
	}
	if len(in.RawEvents) > 0 {
		key.RawEvents = in.RawEvents
	}

	out, hit, err := cache.Memoize(ctx, s.cache, cache.StageImport, key, func(context.Context) (ImportOutput, error) {
		res, err := s.normalizer.Normalize(normalize.Request{
			RawText:          in.RawText,
			Events:           in.RawEvents,
			Timezone:         tz,
			ExpandRecurrence: expand,
			HorizonDays:      horizon,
			DaysLimit:        daysLimit,
		})
		if err != nil {
			return ImportOutput{}, err
		}
		return ImportOutput{
			Timezone:    tz,
			GeneratedAt: s.now().UTC(),
			Events:      res.Events,
			Stats:       res.Stats,
		}, nil
	})
	if err != nil {
		return ImportOutput{}, pipelineKey, false, err
	}
	return out, pipelineKey, hit, nil
}

func (s *Service) Enrich(ctx context.Context, in EnrichInput) (EnrichOutput, error) {
	out, _, err := s.runEnrich(ctx, in)
	return out, err
}

// enrichKey adds the classifier identity so switching models never serves
// another model's verdicts.
type enrichKey struct {
	EnrichInput
	Classifier string `json:"classifier"`
}

func (s *Service) runEnrich(ctx context.Context, in EnrichInput) (EnrichOutput, bool, error) {
	in.Timezone = s.timezone(in.Timezone)

	useExternal := in.UseExternal
	if useExternal && s.external == nil {
		appLog.Warn("external classifier requested but not configured; using rules")
		useExternal = false
	}
	key := enrichKey{EnrichInput: in, Classifier: "rules"}
	key.UseExternal = useExternal
	if useExternal {
		key.Classifier = s.external.Name()
	}

	return cache.Memoize(ctx, s.cache, cache.StageEnrich, key, func(ctx context.Context) (EnrichOutput, error) {
		res, err := s.enricher.Enrich(ctx, classify.Request{
			Timezone:    in.Timezone,
			Events:      in.Events,
			UseExternal: useExternal,
		})
		if err != nil {
			return EnrichOutput{}, err
		}
		return EnrichOutput{Timezone: in.Timezone, Events: res.Events, Stats: res.Stats}, nil
	})
}

func (s *Service) Analyze(ctx context.Context, in AnalyzeInput) (AnalyzeOutput, error) {
	out, _, err := s.runAnalyze(ctx, in)
	return out, err
}

// analyzeKey pins the analysis to the calendar day it was computed on,
// since the lookback cutoff moves with the clock.
type analyzeKey struct {
	AnalyzeInput
	AsOf string `json:"as_of"`
}

func (s *Service) runAnalyze(ctx context.Context, in AnalyzeInput) (AnalyzeOutput, bool, error) {
	in.Timezone = s.timezone(in.Timezone)
	if in.AnalysisWeeks <= 0 {
		in.AnalysisWeeks = s.cfg.Analysis.Weeks
	}
	if in.MinSampleSize <= 0 {
		in.MinSampleSize = s.cfg.Analysis.MinSampleSize
	}
	key := analyzeKey{AnalyzeInput: in, AsOf: s.now().UTC().Format(time.DateOnly)}

	return cache.Memoize(ctx, s.cache, cache.StageAnalyze, key, func(context.Context) (AnalyzeOutput, error) {
		return s.analyzer.Analyze(habits.Request{
			Timezone:      in.Timezone,
			Events:        in.Events,
			AnalysisWeeks: in.AnalysisWeeks,
			MinSampleSize: in.MinSampleSize,
		})
	})
}

// Recommend is never cached: free time depends on the current instant.
func (s *Service) Recommend(_ context.Context, in RecommendInput) (RecommendOutput, error) {
	tz := in.Timezone
	if tz == "" && in.Habits != nil {
		tz = in.Habits.Timezone
	}
	tz = s.timezone(tz)

	days := in.SearchDays
	if days <= 0 {
		days = s.cfg.Recommend.SearchDays
	}
	alts := s.cfg.Recommend.MaxAlternatives
	if in.MaxAlternatives != nil {
		alts = *in.MaxAlternatives
	}

	return s.recommender.Recommend(recommend.Request{
		Timezone:        tz,
		Query:           in.Query,
		Events:          in.Events,
		Habits:          in.Habits,
		SearchDays:      days,
		MaxAlternatives: alts,
	})
}

// Run executes import, enrich and analyze, then recommend when a query is
// given.
func (s *Service) Run(ctx context.Context, in RunInput) (RunOutput, error) {
	out := RunOutput{
		RunID:     uuid.NewString(),
		CacheHits: make(map[string]bool, len(cache.Stages)),
	}
	started := time.Now()

	imp, key, hit, err := s.runImport(ctx, in.ImportInput, in.UseExternal)
	if err != nil {
		return out, fmt.Errorf("import: %w", err)
	}
	out.Import, out.PipelineKey = imp, key
	out.CacheHits[string(cache.StageImport)] = hit

	enr, hit, err := s.runEnrich(ctx, EnrichInput{
		Timezone:    imp.Timezone,
		Events:      imp.Events,
		UseExternal: in.UseExternal,
	})
	if err != nil {
		return out, fmt.Errorf("enrich: %w", err)
	}
	out.Enrich = enr
	out.CacheHits[string(cache.StageEnrich)] = hit

	prof, hit, err := s.runAnalyze(ctx, AnalyzeInput{Timezone: imp.Timezone, Events: enr.Events})
	if err != nil {
		return out, fmt.Errorf("analyze: %w", err)
	}
	out.Analyze = prof
	out.CacheHits[string(cache.StageAnalyze)] = hit

	if in.Query != nil {
		rec, err := s.Recommend(ctx, RecommendInput{
			Timezone: imp.Timezone,
			Query:    *in.Query,
			Events:   enr.Events,
			Habits:   &prof,
		})
		if err != nil {
			return out, fmt.Errorf("recommend: %w", err)
		}
		out.Recommend = &rec
	}

	appLog.Info("pipeline run completed",
		"run_id", out.RunID,
		"pipeline_key", out.PipelineKey,
		"events", len(enr.Events),
		"import_cached", out.CacheHits[string(cache.StageImport)],
		"enrich_cached", out.CacheHits[string(cache.StageEnrich)],
		"analyze_cached", out.CacheHits[string(cache.StageAnalyze)],
		"elapsed", time.Since(started).String(),
	)
	return out, nil
}

func (s *Service) timezone(tz string) string {
	if tz == "" {
		return s.cfg.Timezone
	}
	return tz
}
