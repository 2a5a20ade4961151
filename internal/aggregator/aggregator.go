// Package aggregator turns stored sentiment results into the analytics
// views served by the API.
package aggregator

import (
	"math"
	"sort"
	"strings"

	"call-insights-go/internal/types"
)

// TopN is how many competitors the overview lists.
const TopN = 10

type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type SentimentCount struct {
	Sentiment  string   `json:"sentiment"`
	Count      int      `json:"count"`
	Percentage *float64 `json:"percentage,omitempty"`
}

type Overview struct {
	TotalJobs             int64            `json:"total_jobs"`
	TotalCompetitors      int              `json:"total_competitors"`
	TopCompetitors        []NameCount      `json:"top_competitors"`
	SentimentDistribution []SentimentCount `json:"sentiment_distribution"`
}

type CompetitorBreakdown struct {
	CompetitorName     string           `json:"competitor_name"`
	TotalMentions      int              `json:"total_mentions"`
	UniqueCalls        int              `json:"unique_calls"`
	SentimentBreakdown []SentimentCount `json:"sentiment_breakdown"`
}

type Mention struct {
	Name         string `json:"name"`
	MentionCount int    `json:"mention_count"`
}

type TrendPoint struct {
	Date      string `json:"date"`
	Sentiment string `json:"sentiment"`
	Count     int    `json:"count"`
}

// Summarize builds the overview from every stored result. completedJobs is
// reported as total_jobs.
func Summarize(completedJobs int64, rows []types.SentimentResult) Overview {
	mentions := map[string]int{}
	sentiments := map[string]int{}
	for _, r := range rows {
		mentions[r.CompetitorName]++
		sentiments[SentimentOf(r.ResultJSON)]++
	}

	top := make([]NameCount, 0, len(mentions))
	for name, n := range mentions {
		top = append(top, NameCount{Name: name, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Name < top[j].Name
	})
	if len(top) > TopN {
		top = top[:TopN]
	}

	return Overview{
		TotalJobs:             completedJobs,
		TotalCompetitors:      len(mentions),
		TopCompetitors:        top,
		SentimentDistribution: distribution(sentiments, 0),
	}
}

// Competitor breaks down the results of one competitor. ok is false when
// there are none.
func Competitor(name string, rows []types.SentimentResult) (CompetitorBreakdown, bool) {
	out := CompetitorBreakdown{CompetitorName: name}
	calls := map[string]bool{}
	sentiments := map[string]int{}
	for _, r := range rows {
		if !strings.EqualFold(r.CompetitorName, name) {
			continue
		}
		out.TotalMentions++
		calls[r.JobID] = true
		sentiments[SentimentOf(r.ResultJSON)]++
	}
	if out.TotalMentions == 0 {
		return out, false
	}
	out.UniqueCalls = len(calls)
	out.SentimentBreakdown = distribution(sentiments, out.TotalMentions)
	return out, true
}

// Competitors lists every mentioned competitor alphabetically.
func Competitors(rows []types.SentimentResult) []Mention {
	counts := map[string]int{}
	for _, r := range rows {
		counts[r.CompetitorName]++
	}
	out := make([]Mention, 0, len(counts))
	for name, n := range counts {
		out = append(out, Mention{Name: name, MentionCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trends counts results per UTC day and sentiment, oldest day first.
func Trends(rows []types.SentimentResult) []TrendPoint {
	type key struct{ date, sentiment string }
	counts := map[key]int{}
	for _, r := range rows {
		counts[key{r.CreatedAt.UTC().Format("2006-01-02"), SentimentOf(r.ResultJSON)}]++
	}
	out := make([]TrendPoint, 0, len(counts))
	for k, n := range counts {
		out = append(out, TrendPoint{Date: k.date, Sentiment: k.sentiment, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Sentiment < out[j].Sentiment
	})
	return out
}

// SentimentOf reads overall_sentiment from a result, or "unknown".
func SentimentOf(doc types.Document) string {
	if s, ok := doc["overall_sentiment"].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return "unknown"
}

// distribution sorts sentiment counts by count, adding percentages of total
// when total is positive.
func distribution(counts map[string]int, total int) []SentimentCount {
	out := make([]SentimentCount, 0, len(counts))
	for s, n := range counts {
		sc := SentimentCount{Sentiment: s, Count: n}
		if total > 0 {
			pct := math.Round(float64(n)/float64(total)*10000) / 100
			sc.Percentage = &pct
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Sentiment < out[j].Sentiment
	})
	return out
}
