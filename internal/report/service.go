package report

import (
	"context"
	"fmt"
	"time"

	"github.com/metgo/quillota/internal/logging"
)

// Service builds, narrates and publishes the daily report.
type Service struct {
	builder    *Builder
	narrator   Narrator
	publishers []Publisher
}

func NewService(b *Builder, narrator Narrator, publishers ...Publisher) *Service {
	return &Service{builder: b, narrator: narrator, publishers: publishers}
}

// Run produces the report for the local day containing day and returns the
// published locations. A narrator failure leaves the report without a
// narrative. The first publisher is the system of record and must succeed.
func (s *Service) Run(ctx context.Context, day time.Time) ([]string, error) {
	log := logging.FromContext(ctx, s.builder.log)
	r, err := s.builder.Build(ctx, day)
	if err != nil {
		return nil, err
	}
	if s.narrator != nil {
		text, err := s.narrator.Narrate(ctx, r)
		if err != nil {
			logging.Failure(ctx, s.builder.log, "report narrative failed", err)
		} else {
			r.Narrative = text
		}
	}

	body := Render(r)
	name := fmt.Sprintf("metgo-%s.md", r.Day.Format(time.DateOnly))
	var out []string
	for i, p := range s.publishers {
		loc, err := p.Publish(ctx, name, body)
		if err != nil {
			if i == 0 {
				return out, fmt.Errorf("publish report: %w", err)
			}
			logging.Failure(ctx, s.builder.log, "report mirror failed", err)
			continue
		}
		out = append(out, loc)
	}
	log.Info("report published", "day", r.Day.Format(time.DateOnly), "stations", len(r.Stations), "alerts", r.AlertCount())
	return out, nil
}
