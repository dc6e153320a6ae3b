// Package scoring folds multi-turn probe results into a single resilience
// score per scan.
package scoring

import (
	"math"

	"github.com/scan-orchestrator/internal/models"
)

const (
	// BonusScale is the largest conversational bonus, in score points.
	BonusScale = 15.0
	// TrendFlatBand is the change, in score points, treated as flat.
	TrendFlatBand = 5.0
)

// Chain is the ordered per-level metrics of one (query, model) pair.
// A nil entry is a level whose evaluation could not be parsed.
type Chain []*models.Metrics

// Result is the resilience outcome of a scan
type Result struct {
	InitialScore        float64 `json:"initialScore"`
	BrandPersistence    float64 `json:"brandPersistence"`
	ConversationalBonus float64 `json:"conversationalBonus"`
	FinalScore          float64 `json:"finalScore"`
	FollowUpActive      bool    `json:"followUpActive"`
	ValidChains         int     `json:"validChains"`
}

// Score computes the resilience result of chains. Chains without valid
// level-0 metrics are left out of every average.
func Score(chains []Chain, followUpEnabled bool) Result {
	var (
		res          Result
		initialSum   float64
		mentioned    int
		persisted    int
		trendSum     float64
		trendSamples int
		deepest      int
	)

	for _, chain := range chains {
		if len(chain) == 0 || chain[0] == nil {
			continue
		}
		res.ValidChains++
		base := chain[0]
		initialSum += base.RecommendationScore

		last := lastValid(chain)
		deepest = max(deepest, last)
		deep := chain[last]

		if base.VisibilityScore > 0 {
			mentioned++
			if deep.VisibilityScore > 0 {
				persisted++
			}
		}
		if last > 0 {
			trendSum += trend(base, deep)
			trendSamples++
		}
	}

	if res.ValidChains == 0 {
		return res
	}

	res.InitialScore = initialSum / float64(res.ValidChains)
	res.FollowUpActive = followUpEnabled && deepest > 0

	if mentioned > 0 {
		res.BrandPersistence = float64(persisted) / float64(mentioned)
	}
	if res.FollowUpActive && trendSamples > 0 {
		res.ConversationalBonus = (trendSum / float64(trendSamples)) * res.BrandPersistence * BonusScale
	}

	res.FinalScore = clamp(res.InitialScore+res.ConversationalBonus, 0, 100)
	return res
}

// lastValid returns the deepest level with parsed metrics
func lastValid(chain Chain) int {
	for i := len(chain) - 1; i > 0; i-- {
		if chain[i] != nil {
			return i
		}
	}
	return 0
}

// trend is +1, 0 or -1 depending on whether sentiment and visibility improved,
// stayed within the flat band, or degraded from base to deep
func trend(base, deep *models.Metrics) float64 {
	delta := ((deep.SentimentScore - base.SentimentScore) + (deep.VisibilityScore - base.VisibilityScore)) / 2
	switch {
	case delta > TrendFlatBand:
		return 1
	case delta < -TrendFlatBand:
		return -1
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
