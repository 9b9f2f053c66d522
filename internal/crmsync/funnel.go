package crmsync

import (
	"github.com/sells-group/ident-sync/internal/config"
	"github.com/sells-group/ident-sync/internal/model"
)

// ClassifyFunnel picks the pipeline for a new lead from the patient's completed
// visits, not counting the reception being synced.
func ClassifyFunnel(completedExcludingThis int) model.Funnel {
	if completedExcludingThis <= 0 {
		return model.FunnelPrimary
	}
	return model.FunnelSecondary
}

// Pipeline is one amoCRM funnel.
type Pipeline struct {
	ID       int
	NewStage int
	Excluded []int
}

// Pipelines holds the first-visit and returning-patient funnels.
type Pipelines struct {
	Primary   Pipeline
	Secondary Pipeline
}

// PipelinesFromConfig converts the configured funnels.
func PipelinesFromConfig(cfg config.PipelinesConfig) Pipelines {
	conv := func(p config.PipelineConfig) Pipeline {
		return Pipeline{ID: p.ID, NewStage: p.NewStage, Excluded: p.ExcludedStages}
	}
	return Pipelines{Primary: conv(cfg.Primary), Secondary: conv(cfg.Secondary)}
}

// For returns the pipeline of a funnel.
func (p Pipelines) For(f model.Funnel) Pipeline {
	if f == model.FunnelSecondary {
		return p.Secondary
	}
	return p.Primary
}

// IDs returns both pipeline ids.
func (p Pipelines) IDs() []int {
	return []int{p.Primary.ID, p.Secondary.ID}
}

// ExcludedStages returns the excluded stages of both pipelines.
func (p Pipelines) ExcludedStages() []int {
	out := make([]int, 0, len(p.Primary.Excluded)+len(p.Secondary.Excluded))
	out = append(out, p.Primary.Excluded...)
	return append(out, p.Secondary.Excluded...)
}

// Open reports whether a lead sits in one of our pipelines at a stage that
// search may consider.
func (p Pipelines) Open(pipelineID, statusID int) bool {
	for _, pl := range []Pipeline{p.Primary, p.Secondary} {
		if pl.ID != pipelineID {
			continue
		}
		for _, s := range pl.Excluded {
			if s == statusID {
				return false
			}
		}
		return true
	}
	return false
}
