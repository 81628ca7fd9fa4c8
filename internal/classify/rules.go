package classify

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"smartcal/internal/model"
)

// keywords maps each category to the phrases that count towards it.
// Matching is substring based on folded text, so Russian stems work.
var keywords = map[model.Category][]string{
	model.CategoryWork: {
		"встреча", "митинг", "совещание", "презентация", "отчет",
		"проект", "задача", "дедлайн", "созвон", "планерка",
		"meeting", "call", "standup", "review", "sync",
	},
	model.CategoryStudy: {
		"курс", "лекция", "вебинар", "обучение", "тренинг",
		"книга", "чтение", "изучение", "практика", "урок",
		"study", "learning", "course", "lesson", "tutorial",
	},
	model.CategoryHealth: {
		"врач", "доктор", "поликлиника", "анализы", "обследование",
		"тренировка", "спорт", "фитнес", "бег", "йога",
		"gym", "workout", "running", "fitness", "doctor",
	},
	model.CategoryHousehold: {
		"банк", "документы", "оплата", "покупки", "магазин",
		"уборка", "ремонт", "стирка", "готовка", "продукты",
		"shopping", "cleaning", "payment", "bills", "grocery",
	},
	model.CategoryFamily: {
		"семья", "родители", "дети", "жена", "муж",
		"друзья", "встреча", "день рождения", "праздник", "гости",
		"family", "friends", "birthday", "party", "dinner",
	},
	model.CategoryCreative: {
		"хобби", "творчество", "рисование", "музыка", "писать",
		"проект", "идея", "создание", "разработка", "дизайн",
		"hobby", "creative", "design", "writing", "art",
	},
	model.CategoryTravel: {
		"поездка", "путешествие", "аэропорт", "вокзал", "поезд",
		"самолет", "дорога", "трансфер", "такси", "командировка",
		"travel", "flight", "trip", "airport", "train",
	},
	model.CategoryLeisure: {
		"отдых", "кино", "театр", "концерт", "ресторан",
		"кафе", "бар", "клуб", "игра", "развлечение",
		"relax", "movie", "restaurant", "game", "entertainment",
	},
	model.CategoryRoutine: {
		"утренняя рутина", "вечерняя рутина", "медитация", "душ",
		"завтрак", "обед", "ужин", "сон", "уход за собой",
		"morning routine", "evening routine", "meditation", "breakfast",
	},
}

var urgencyKeywords = []string{
	"срочно", "важно", "критично", "дедлайн", "обязательно",
	"urgent", "important", "critical", "deadline", "must",
	"asap", "emergency", "priority",
}

var (
	hashtagRe      = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)
	onlineKeywords = []string{"online", "zoom", "teams"}
)

const maxTags = 10

// foldText lower-cases and NFC-normalizes summary and description so
// composed and decomposed Cyrillic (й, ё) match the tables.
func foldText(summary, description string) string {
	return strings.ToLower(norm.NFC.String(summary + " " + description))
}

// Rules is the keyword and time-of-day classifier. It needs no I/O and
// always yields a category.
type Rules struct{}

// Classify scores each category by matched keywords, applies time-of-day
// and attendee boosts to categories that already matched, and returns the
// best one. No match yields CategoryOther with confidence 0.
func (Rules) Classify(ev model.NormalizedEvent, loc *time.Location) (model.Category, float64) {
	text := foldText(ev.Summary, ev.Description)

	scores := make(map[model.Category]float64)
	for _, c := range model.Categories {
		n := 0
		for _, kw := range keywords[c] {
			if strings.Contains(text, kw) {
				n++
			}
		}
		if n > 0 {
			scores[c] = float64(n)
		}
	}
	if len(scores) == 0 {
		return model.CategoryOther, 0
	}

	boost := func(c model.Category, by float64) {
		if _, ok := scores[c]; ok {
			scores[c] += by
		}
	}

	start := ev.Start.In(loc)
	hour := start.Hour()
	switch {
	case hour >= 6 && hour < 9:
		boost(model.CategoryHealth, 1)
		boost(model.CategoryRoutine, 1)
	case hour >= 9 && hour < 18 && model.ISOWeekday(start) <= 5:
		boost(model.CategoryWork, 1)
	case hour >= 18 && hour < 22:
		boost(model.CategoryStudy, 0.5)
		boost(model.CategoryFamily, 0.5)
		boost(model.CategoryLeisure, 0.5)
	}
	if len(ev.Attendees) > 2 {
		boost(model.CategoryWork, 1)
	}

	best := model.CategoryOther
	bestScore := 0.0
	for _, c := range model.Categories {
		if s, ok := scores[c]; ok && s > bestScore {
			best, bestScore = c, s
		}
	}

	confidence := bestScore / float64(len(keywords[best])+3)
	return best, clamp01(confidence)
}

// Priority is independent of category.
func Priority(ev model.NormalizedEvent, loc *time.Location) model.Priority {
	text := foldText(ev.Summary, ev.Description)
	for _, kw := range urgencyKeywords {
		if strings.Contains(text, kw) {
			return model.PriorityHigh
		}
	}
	if len(ev.Attendees) > 5 {
		return model.PriorityHigh
	}
	hour := ev.Start.In(loc).Hour()
	if hour < 8 || hour > 20 {
		if !strings.Contains(text, "рутин") && !strings.Contains(text, "routine") {
			return model.PriorityHigh
		}
	}
	return model.PriorityRegular
}

// Attributes derives the per-event attribute bundle in loc.
func Attributes(ev model.NormalizedEvent, loc *time.Location, confidence float64) model.Attributes {
	start := ev.Start.In(loc)
	weekday := model.ISOWeekday(start)
	hour := start.Hour()
	return model.Attributes{
		DurationMin:    int(ev.Duration() / time.Minute),
		DayOfWeek:      weekday,
		HourOfDay:      hour,
		IsWorkingHours: hour >= 9 && hour < 18 && weekday <= 5,
		IsWeekend:      weekday > 5,
		Tags:           Tags(ev),
		Confidence:     confidence,
	}
}

// Tags returns hashtags followed by the synthetic meeting, online and
// deadline tags, deduplicated in first-seen order and capped at ten.
func Tags(ev model.NormalizedEvent) []string {
	text := foldText(ev.Summary, ev.Description)

	var candidates []string
	for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	if len(ev.Attendees) > 0 {
		candidates = append(candidates, "meeting")
	}
	for _, kw := range onlineKeywords {
		if strings.Contains(text, kw) {
			candidates = append(candidates, "online")
			break
		}
	}
	if strings.Contains(text, "deadline") || strings.Contains(text, "дедлайн") {
		candidates = append(candidates, "deadline")
	}

	tags := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, t := range candidates {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
