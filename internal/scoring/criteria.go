// Package scoring defines the effectiveness criteria and implements the AI
// scoring collaborator over the OpenAI chat completion API.
package scoring

import (
	"math"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Criterion is one scored effectiveness dimension, assigned to a tier and
// weighted into the overall score.
type Criterion struct {
	Name   string
	Tier   int
	Weight float64
}

// Criteria is the full rubric: three sequential tiers, eight criteria.
// Weights sum to 1.0.
var Criteria = []Criterion{
	{Name: "positioning", Tier: 1, Weight: 0.20},
	{Name: "messaging", Tier: 1, Weight: 0.15},
	{Name: "credibility", Tier: 1, Weight: 0.15},
	{Name: "brand_story", Tier: 2, Weight: 0.12},
	{Name: "differentiation", Tier: 2, Weight: 0.10},
	{Name: "conversion_path", Tier: 2, Weight: 0.08},
	{Name: "visual_identity", Tier: 3, Weight: 0.10},
	{Name: "seo_foundation", Tier: 3, Weight: 0.10},
}

// Tiers is the number of sequential scoring tiers.
const Tiers = 3

// ByTier returns the criteria scored in the given tier, in rubric order.
func ByTier(tier int) []Criterion {
	var out []Criterion
	for _, c := range Criteria {
		if c.Tier == tier {
			out = append(out, c)
		}
	}
	return out
}

// Weight returns the rubric weight for a criterion name, zero if unknown.
func Weight(name string) float64 {
	for _, c := range Criteria {
		if c.Name == name {
			return c.Weight
		}
	}
	return 0
}

// OverallScore is the weighted mean of the criterion scores, rounded to one
// decimal place.
func OverallScore(scores []analysis.CriterionScore) float64 {
	var sum, weights float64
	for _, s := range scores {
		w := Weight(s.Criterion)
		sum += s.Score * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return math.Round(sum/weights*10) / 10
}
