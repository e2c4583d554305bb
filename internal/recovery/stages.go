package recovery

import (
	"fmt"

	"payment-recovery/config"
	"payment-recovery/internal/models"
)

// StageTable is the immutable per-stage behaviour, keyed by stage.
type StageTable struct {
	stages map[models.DunningStage]config.StageConfig
}

// NewStageTable indexes the configured stages and checks that they cover the
// ladder with non-decreasing offsets.
func NewStageTable(stages []config.StageConfig) (*StageTable, error) {
	t := &StageTable{stages: make(map[models.DunningStage]config.StageConfig, len(stages))}
	for _, s := range stages {
		if s.Stage.Ordinal() < 0 {
			return nil, fmt.Errorf("stage %q is not on the dunning ladder", s.Stage)
		}
		t.stages[s.Stage] = s
	}

	prev := -1
	for _, st := range models.Ladder {
		s, ok := t.stages[st]
		if !ok {
			return nil, fmt.Errorf("stage %s is not configured", st)
		}
		if s.OffsetDays < prev {
			return nil, fmt.Errorf("stage %s fires before its predecessor", st)
		}
		prev = s.OffsetDays
	}
	return t, nil
}

func (t *StageTable) Lookup(stage models.DunningStage) config.StageConfig {
	return t.stages[stage]
}
