package queue

import (
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Score component names the scheduler itself sets.
const (
	ComponentSeed  = "seed"
	ComponentDepth = "depth"
)

// WeightedScorer sums weighted request components on top of the base priority.
// Components without a configured weight count at face value.
type WeightedScorer struct {
	Weights map[string]float64
	// HostPenalty is subtracted per request already queued for the same host,
	// which keeps one prolific host from crowding out the rest.
	HostPenalty float64
}

// NewWeightedScorer builds a WeightedScorer.
func NewWeightedScorer(weights map[string]float64, hostPenalty float64) *WeightedScorer {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &WeightedScorer{Weights: w, HostPenalty: hostPenalty}
}

// Score implements crawler.Scorer.
func (s *WeightedScorer) Score(req crawler.Request, sc crawler.ScoreContext) float64 {
	score := req.BasePriority
	for name, value := range req.Components {
		weight, ok := s.Weights[name]
		if !ok {
			weight = 1
		}
		score += weight * value
	}
	score -= s.HostPenalty * float64(sc.QueuedForHost)
	return score
}

var _ crawler.Scorer = (*WeightedScorer)(nil)
