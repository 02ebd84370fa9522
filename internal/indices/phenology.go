package indices

import (
	"fmt"
	"time"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/models"
)

type Stage = models.PhenologyStage

const (
	StageDormancy    = models.StageDormancy
	StageBudbreak    = models.StageBudbreak
	StageFlowering   = models.StageFlowering
	StageSet         = models.StageSet
	StageDevelopment = models.StageDevelopment
	StageMaturity    = models.StageMaturity
	StageHarvest     = models.StageHarvest
)

// PhenologyTable maps calendar month (1-12) to a stage for one crop.
type PhenologyTable [13]Stage

func NewPhenologyTable(spans []config.PhenologySpan) (PhenologyTable, error) {
	var t PhenologyTable
	for _, s := range spans {
		stage := Stage(s.Stage)
		if !models.ValidStage(stage) {
			return t, fmt.Errorf("unknown stage %q", s.Stage)
		}
		for _, m := range s.Months() {
			t[m] = stage
		}
	}
	for m := 1; m <= 12; m++ {
		if t[m] == "" {
			return t, fmt.Errorf("month %d has no stage", m)
		}
	}
	return t, nil
}

// At returns the stage for the month of t in loc.
func (p PhenologyTable) At(t time.Time, loc *time.Location) Stage {
	return p[t.In(loc).Month()]
}

// Crop bundles what the calculator needs to know about a crop.
type Crop struct {
	Name          string
	FrostCritical float64
	Phenology     PhenologyTable
}

// CropsFromConfig builds the crop catalogue. Crops without a phenology table
// are skipped; validation already requires one per configured crop.
func CropsFromConfig(cfg *config.Config) (map[string]Crop, error) {
	out := make(map[string]Crop, len(cfg.Crops))
	for name, c := range cfg.Crops {
		spans, ok := cfg.Phenology[name]
		if !ok {
			continue
		}
		table, err := NewPhenologyTable(spans)
		if err != nil {
			return nil, fmt.Errorf("crop %s: %w", name, err)
		}
		out[name] = Crop{Name: name, FrostCritical: c.FrostCritical, Phenology: table}
	}
	return out, nil
}
