package scoring

import (
	"sort"

	"github.com/scan-orchestrator/internal/models"
)

// BuildChains groups results by (query, model) and orders each group by
// follow-up level. A missing level or one with unparsed metrics shows up as
// a nil entry.
func BuildChains(results []*models.ScanResult) []Chain {
	type key struct{ query, model string }

	grouped := make(map[key][]*models.ScanResult)
	var keys []key
	for _, r := range results {
		k := key{r.QueryID, r.ModelID}
		if _, ok := grouped[k]; !ok {
			keys = append(keys, k)
		}
		grouped[k] = append(grouped[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].query != keys[j].query {
			return keys[i].query < keys[j].query
		}
		return keys[i].model < keys[j].model
	})

	chains := make([]Chain, 0, len(keys))
	for _, k := range keys {
		group := grouped[k]
		depth := 0
		for _, r := range group {
			depth = max(depth, r.FollowUpLevel)
		}
		chain := make(Chain, depth+1)
		for _, r := range group {
			if m := r.Metrics(); r.FollowUpLevel >= 0 && m.Valid() {
				chain[r.FollowUpLevel] = m
			}
		}
		chains = append(chains, chain)
	}
	return chains
}

// Summarize computes the scores stored on a finished scan: the level-0
// averages of each metric plus the resilience fields.
func Summarize(results []*models.ScanResult, followUpEnabled bool) *models.ScanScores {
	var (
		visibility, sentiment, recommendation float64
		n                                     int
	)
	for _, r := range results {
		if r.FollowUpLevel != 0 {
			continue
		}
		m := r.Metrics()
		if !m.Valid() {
			continue
		}
		visibility += m.VisibilityScore
		sentiment += m.SentimentScore
		recommendation += m.RecommendationScore
		n++
	}

	res := Score(BuildChains(results), followUpEnabled)
	scores := &models.ScanScores{
		Overall:             res.FinalScore,
		InitialScore:        res.InitialScore,
		BrandPersistence:    res.BrandPersistence,
		ConversationalBonus: res.ConversationalBonus,
		FollowUpActive:      res.FollowUpActive,
	}
	if n > 0 {
		scores.Visibility = visibility / float64(n)
		scores.Sentiment = sentiment / float64(n)
		scores.Recommendation = recommendation / float64(n)
	}
	return scores
}
