package usecase

import (
	"sort"
	"strings"

	"ensemble-ai/internal/domain"
)

// Default scoring weights. Category matches outweigh keyword matches since
// categories are curated while keywords are free-form.
const (
	defaultCategoryWeight = 2.0
	defaultKeywordWeight  = 1.0
)

// RankPolicy tunes deterministic expert ranking.
type RankPolicy struct {
	CategoryWeight float64
	KeywordWeight  float64
	// AllowUnverifiedFallback includes experts with LiveOK=false when no
	// live expert scores above zero for the step.
	AllowUnverifiedFallback bool
}

// DefaultRankPolicy returns the standard ranking policy.
func DefaultRankPolicy() RankPolicy {
	return RankPolicy{
		CategoryWeight:          defaultCategoryWeight,
		KeywordWeight:           defaultKeywordWeight,
		AllowUnverifiedFallback: true,
	}
}

// ScoredExpert pairs an expert profile with its deterministic score.
type ScoredExpert struct {
	Profile domain.ExpertProfile
	Score   float64
}

// Rank maps a step description to an ordered candidate list using static
// priors only: category and keyword substring hits, case-insensitive.
// Ties break by ascending cost hint, then ascending latency hint, then
// lexicographic name. Rank is a pure function: identical inputs always
// produce identical output.
func Rank(step string, experts []domain.ExpertProfile, policy RankPolicy) []ScoredExpert {
	if policy.CategoryWeight == 0 && policy.KeywordWeight == 0 {
		policy.CategoryWeight = defaultCategoryWeight
		policy.KeywordWeight = defaultKeywordWeight
	}

	stepLower := strings.ToLower(step)

	scored := make([]ScoredExpert, 0, len(experts))
	for _, p := range experts {
		scored = append(scored, ScoredExpert{Profile: p, Score: scoreExpert(stepLower, p, policy)})
	}

	live := make([]ScoredExpert, 0, len(scored))
	liveScoring := false
	for _, s := range scored {
		if s.Profile.LiveOK {
			live = append(live, s)
			if s.Score > 0 {
				liveScoring = true
			}
		}
	}

	// Unverified experts participate only when no live expert matched at all.
	ranked := live
	if policy.AllowUnverifiedFallback && !liveScoring {
		ranked = scored
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Profile.CostHint != b.Profile.CostHint {
			return a.Profile.CostHint < b.Profile.CostHint
		}
		if a.Profile.LatencyHint != b.Profile.LatencyHint {
			return a.Profile.LatencyHint < b.Profile.LatencyHint
		}
		return a.Profile.Name < b.Profile.Name
	})
	return ranked
}

func scoreExpert(stepLower string, p domain.ExpertProfile, policy RankPolicy) float64 {
	var score float64
	for _, cat := range p.Categories {
		if cat != "" && strings.Contains(stepLower, strings.ToLower(cat)) {
			score += policy.CategoryWeight
		}
	}
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(stepLower, strings.ToLower(kw)) {
			score += policy.KeywordWeight
		}
	}
	return score
}
