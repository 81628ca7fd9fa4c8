package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartcal/internal/cache"
	"smartcal/internal/classify"
	"smartcal/internal/config"
	"smartcal/internal/ics"
	"smartcal/internal/model"
	"smartcal/internal/normalize"
)

// Wednesday noon; the current week starts Monday 2026-01-05.
var fixedNow = time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Cache.Dir = t.TempDir()
	cfg.Import.ICSCacheDir = t.TempDir()
	return cfg
}

func rawEvents() []model.RawEvent {
	var evs []model.RawEvent
	for _, day := range []string{"2025-12-29", "2025-12-30", "2025-12-31", "2026-01-01", "2026-01-02", "2026-01-05", "2026-01-06", "2026-01-07"} {
		evs = append(evs, model.RawEvent{
			Calendar:  "Work",
			Start:     day + "T09:00:00",
			End:       day + "T09:15:00",
			Summary:   "Standup meeting",
			Attendees: []string{"ann", "bob", "cid"},
		})
	}
	evs = append(evs, model.RawEvent{
		Calendar: "Personal",
		Start:    "2026-01-08T07:00:00",
		End:      "2026-01-08T08:00:00",
		Summary:  "Gym workout",
	})
	return evs
}

func newService(t *testing.T, withCache bool, opts ...Option) (*Service, cache.Store) {
	t.Helper()
	cfg := testConfig(t)
	all := []Option{WithClock(clock)}
	var store cache.Store
	if withCache {
		c, s, err := OpenCache(cfg, clock)
		require.NoError(t, err)
		require.NotNil(t, c)
		t.Cleanup(func() { s.Close() })
		store = s
		all = append(all, WithCache(c))
	}
	return New(cfg, append(all, opts...)...), store
}

func TestImport_NoInput(t *testing.T) {
	s, _ := newService(t, false)
	_, err := s.Import(context.Background(), ImportInput{Timezone: "UTC"})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestImport_InvalidTimezone(t *testing.T) {
	s, _ := newService(t, false)
	_, err := s.Import(context.Background(), ImportInput{RawEvents: rawEvents(), Timezone: "Mars/Olympus"})
	assert.True(t, errors.Is(err, normalize.ErrInvalidTimezone))
}

func TestImport_UsesConfigDefaults(t *testing.T) {
	s, _ := newService(t, false)
	out, err := s.Import(context.Background(), ImportInput{RawEvents: rawEvents()})
	require.NoError(t, err)

	assert.Equal(t, "UTC", out.Timezone)
	assert.Equal(t, fixedNow, out.GeneratedAt)
	assert.Len(t, out.Events, 9)
	assert.Equal(t, 2, out.Stats.UniqueCalendars)
}

func TestImport_DaysLimitNarrowsWindow(t *testing.T) {
	s, _ := newService(t, false)
	one := 1
	out, err := s.Import(context.Background(), ImportInput{RawEvents: rawEvents(), DaysLimit: &one})
	require.NoError(t, err)

	// Window is 2026-01-04 .. 2026-01-13.
	for _, ev := range out.Events {
		assert.False(t, ev.Start.Before(time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC)), ev.Start)
	}
	assert.Len(t, out.Events, 4)
}

func TestImport_ZeroDaysLimitKeepsCurrentWeek(t *testing.T) {
	s, _ := newService(t, false)
	zero := 0
	out, err := s.Import(context.Background(), ImportInput{RawEvents: rawEvents(), DaysLimit: &zero})
	require.NoError(t, err)

	weekStart := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for _, ev := range out.Events {
		assert.False(t, ev.Start.Before(weekStart), ev.Start)
		assert.True(t, ev.Start.Before(weekStart.AddDate(0, 0, 7)), ev.Start)
	}
	assert.Len(t, out.Events, 4)
}

func TestImport_NegativeDaysLimitIsUnbounded(t *testing.T) {
	s, _ := newService(t, false)
	s.cfg.Import.DaysLimit = 0
	unbounded := -1
	out, err := s.Import(context.Background(), ImportInput{RawEvents: rawEvents(), DaysLimit: &unbounded})
	require.NoError(t, err)
	assert.Len(t, out.Events, 9)

	// The configured default applies when the request leaves it unset.
	out, err = s.Import(context.Background(), ImportInput{RawEvents: rawEvents()})
	require.NoError(t, err)
	assert.Len(t, out.Events, 4)
}

func TestImport_DaysLimitChangesPipelineKey(t *testing.T) {
	s, _ := newService(t, false)
	zero, unbounded := 0, -1
	_, k0, _, err := s.runImport(context.Background(), ImportInput{RawEvents: rawEvents(), DaysLimit: &zero}, false)
	require.NoError(t, err)
	_, kn, _, err := s.runImport(context.Background(), ImportInput{RawEvents: rawEvents(), DaysLimit: &unbounded}, false)
	require.NoError(t, err)
	assert.NotEqual(t, k0, kn)
}

const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
X-WR-CALNAME:Team
BEGIN:VEVENT
UID:standup@test
DTSTART:20260105T090000Z
DTEND:20260105T091500Z
RRULE:FREQ=DAILY;COUNT=5
SUMMARY:Standup
END:VEVENT
END:VCALENDAR
`

func TestImport_FromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(strings.ReplaceAll(feed, "\n", "\r\n")))
	}))
	defer srv.Close()

	s, _ := newService(t, false, WithFetcher(ics.NewFetcher(t.TempDir(), time.Second)))
	out, err := s.Import(context.Background(), ImportInput{ICSURL: srv.URL + "/cal.ics"})
	require.NoError(t, err)

	require.Len(t, out.Events, 5)
	assert.Equal(t, "Team", out.Events[0].Calendar)
	assert.Equal(t, 5, out.Stats.RecurringExpanded)
}

func TestRun_MemoizesStages(t *testing.T) {
	s, store := newService(t, true)
	ctx := context.Background()
	in := RunInput{
		ImportInput: ImportInput{RawEvents: rawEvents()},
		Query:       &model.Query{Summary: "Deep work", DurationMin: 60, Category: model.CategoryWork},
	}

	first, err := s.Run(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, first.RunID)
	assert.Len(t, first.PipelineKey, 32)
	assert.Equal(t, map[string]bool{"import": false, "enrich": false, "analyze": false}, first.CacheHits)
	require.Len(t, first.Enrich.Events, 9)
	assert.Equal(t, model.CategoryWork, first.Enrich.Events[0].Category)
	assert.Contains(t, first.Analyze.Windows, model.CategoryWork)
	require.NotNil(t, first.Recommend)
	assert.Positive(t, first.Recommend.Best.Score)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalEntries)

	second, err := s.Run(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.PipelineKey, second.PipelineKey)
	assert.Equal(t, map[string]bool{"import": true, "enrich": true, "analyze": true}, second.CacheHits)
	assert.Equal(t, first.Analyze.Windows, second.Analyze.Windows)
	assert.Equal(t, first.Analyze.Dashboard, second.Analyze.Dashboard)
	assert.Equal(t, first.Recommend.Best.Score, second.Recommend.Best.Score)
	assert.True(t, first.Recommend.Best.Slot.Start.Equal(second.Recommend.Best.Slot.Start))
}

func TestRun_WithoutCache(t *testing.T) {
	s, _ := newService(t, false)
	out, err := s.Run(context.Background(), RunInput{ImportInput: ImportInput{RawEvents: rawEvents()}})
	require.NoError(t, err)
	assert.False(t, out.CacheHits["import"])
	assert.Nil(t, out.Recommend)
}

func TestRun_ImportErrorIsWrapped(t *testing.T) {
	s, _ := newService(t, false)
	_, err := s.Run(context.Background(), RunInput{})
	require.ErrorIs(t, err, ErrNoInput)
	assert.Contains(t, err.Error(), "import")
}

type fixedClassifier struct{ cat model.Category }

func (f fixedClassifier) Classify(context.Context, classify.Input) classify.Verdict {
	return classify.Verdict{Category: f.cat, Confidence: 0.9, Available: true}
}

func (f fixedClassifier) Name() string { return "fixed:" + string(f.cat) }

func TestEnrich_ExternalClassifier(t *testing.T) {
	ctx := context.Background()
	imp, err := func() (ImportOutput, error) {
		s, _ := newService(t, false)
		return s.Import(ctx, ImportInput{RawEvents: rawEvents()})
	}()
	require.NoError(t, err)

	withExt, _ := newService(t, false, WithClassifier(fixedClassifier{cat: model.CategoryLeisure}))
	out, err := withExt.Enrich(ctx, EnrichInput{Events: imp.Events, UseExternal: true})
	require.NoError(t, err)
	assert.Equal(t, 9, out.Stats.ClassifiedByExternal)
	assert.Equal(t, model.CategoryLeisure, out.Events[0].Category)

	// Requested but not configured: rules only.
	plain, _ := newService(t, false)
	out, err = plain.Enrich(ctx, EnrichInput{Events: imp.Events, UseExternal: true})
	require.NoError(t, err)
	assert.Zero(t, out.Stats.ClassifiedByExternal)
	assert.Equal(t, model.CategoryWork, out.Events[0].Category)
}

func TestEnrich_CacheKeyIncludesClassifier(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	c, store, err := OpenCache(cfg, clock)
	require.NoError(t, err)
	defer store.Close()

	events := []model.NormalizedEvent{{
		Calendar:  "Work",
		Start:     time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC),
		Summary:   "Planning",
		Attendees: []string{},
	}}

	a := New(cfg, WithClock(clock), WithCache(c), WithClassifier(fixedClassifier{cat: model.CategoryTravel}))
	b := New(cfg, WithClock(clock), WithCache(c), WithClassifier(fixedClassifier{cat: model.CategoryFamily}))

	outA, err := a.Enrich(ctx, EnrichInput{Events: events, UseExternal: true})
	require.NoError(t, err)
	outB, err := b.Enrich(ctx, EnrichInput{Events: events, UseExternal: true})
	require.NoError(t, err)

	assert.Equal(t, model.CategoryTravel, outA.Events[0].Category)
	assert.Equal(t, model.CategoryFamily, outB.Events[0].Category)
}

func TestRecommend_TimezoneFallsBackToProfile(t *testing.T) {
	s, _ := newService(t, false)
	out, err := s.Recommend(context.Background(), RecommendInput{
		Query:  model.Query{DurationMin: 30},
		Habits: &model.HabitProfile{Timezone: "Asia/Tokyo"},
	})
	require.NoError(t, err)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	start := out.Best.Slot.Start.In(tokyo)
	assert.GreaterOrEqual(t, start.Hour(), 7)
	assert.Equal(t, 7, out.Stats.SearchDays)
	assert.Len(t, out.Alternatives, 3)
}

func TestOpenCache(t *testing.T) {
	cfg := testConfig(t)

	cfg.Cache.Enabled = false
	c, s, err := OpenCache(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Nil(t, s)

	cfg.Cache.Enabled = true
	cfg.Cache.Backend = "sqlite"
	cfg.Cache.SQLitePath = ":memory:"
	c, s, err = OpenCache(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.IsType(t, &cache.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	cfg.Cache.Backend = "redis"
	_, _, err = OpenCache(cfg, nil)
	assert.Error(t, err)
}

func TestNewClassifier(t *testing.T) {
	ctx := context.Background()

	c, err := NewClassifier(ctx, config.ClassifierConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewClassifier(ctx, config.ClassifierConfig{Enabled: true, Provider: "ollama", Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:llama3", c.Name())

	_, err = NewClassifier(ctx, config.ClassifierConfig{Enabled: true, Provider: "gemini"})
	assert.Error(t, err, "gemini requires an API key")

	_, err = NewClassifier(ctx, config.ClassifierConfig{Enabled: true, Provider: "openai"})
	assert.Error(t, err)
}
