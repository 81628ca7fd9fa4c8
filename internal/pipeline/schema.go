package pipeline

import (
	"time"

	"smartcal/internal/classify"
	"smartcal/internal/model"
	"smartcal/internal/normalize"
	"smartcal/internal/recommend"
)

// ImportInput is the request of the import stage. At least one of RawText,
// RawEvents or ICSURL must be set. ICSURL is only fetched when RawText is
// empty. Nil pointer fields fall back to the configured defaults.
type ImportInput struct {
	RawText          string           `json:"raw_text,omitempty"`
	RawEvents        []model.RawEvent `json:"raw_events,omitempty"`
	ICSURL           string           `json:"ics_url,omitempty"`
	Timezone         string           `json:"timezone,omitempty"`
	ExpandRecurrence *bool            `json:"expand_recurrence,omitempty"`
	HorizonDays      int              `json:"horizon_days,omitempty"`
	// DaysLimit 0 keeps the current week only. A negative value requests an
	// unbounded window.
	DaysLimit *int `json:"days_limit,omitempty"`
}

type ImportOutput struct {
	Timezone    string                  `json:"timezone"`
	GeneratedAt time.Time               `json:"generated_at"`
	Events      []model.NormalizedEvent `json:"events"`
	Stats       normalize.Stats         `json:"stats"`
}

type EnrichInput struct {
	Timezone    string                  `json:"timezone,omitempty"`
	Events      []model.NormalizedEvent `json:"events"`
	UseExternal bool                    `json:"use_external_classifier"`
}

type EnrichOutput struct {
	Timezone string                `json:"timezone"`
	Events   []model.EnrichedEvent `json:"events"`
	Stats    classify.Stats        `json:"stats"`
}

type AnalyzeInput struct {
	Timezone      string                `json:"timezone,omitempty"`
	Events        []model.EnrichedEvent `json:"events"`
	AnalysisWeeks int                   `json:"analysis_weeks,omitempty"`
	MinSampleSize int                   `json:"min_sample_size,omitempty"`
}

// AnalyzeOutput is the habit profile: timezone, windows_by_category,
// dashboard_aggregates and patterns.
type AnalyzeOutput = model.HabitProfile

type RecommendInput struct {
	Timezone        string                `json:"timezone,omitempty"`
	Query           model.Query           `json:"query"`
	Events          []model.EnrichedEvent `json:"enriched_events"`
	Habits          *model.HabitProfile   `json:"habit_profile,omitempty"`
	SearchDays      int                   `json:"search_days,omitempty"`
	MaxAlternatives *int                  `json:"max_alternatives,omitempty"`
}

type RecommendOutput = recommend.Result

// RunInput drives a full import, enrich, analyze and optional recommend
// pass.
type RunInput struct {
	ImportInput
	UseExternal bool         `json:"use_external_classifier"`
	Query       *model.Query `json:"query,omitempty"`
}

type RunOutput struct {
	RunID       string           `json:"run_id"`
	PipelineKey string           `json:"pipeline_key"`
	Import      ImportOutput     `json:"import"`
	Enrich      EnrichOutput     `json:"enrich"`
	Analyze     AnalyzeOutput    `json:"analyze"`
	Recommend   *RecommendOutput `json:"recommend,omitempty"`
	CacheHits   map[string]bool  `json:"cache_hits"`
}
