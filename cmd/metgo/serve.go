package main

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/metgo/quillota/internal/api"
	"github.com/metgo/quillota/internal/scheduler"
)

type ServeCmd struct {
	Addr       string   `help:"API listen address; the configured address when empty."`
	NoSchedule bool     `help:"Serve the API without running scheduled jobs." name:"no-schedule"`
	NoAPI      bool     `help:"Run scheduled jobs without the API." name:"no-api"`
	RunNow     []string `help:"Jobs to run once at startup, e.g. ingestion." name:"run-now"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	a, err := open(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	grp, ctx := errgroup.WithContext(ctx)

	if !c.NoSchedule {
		sched, err := a.scheduler()
		if err != nil {
			return err
		}
		for _, name := range c.RunNow {
			// RunNow logs its own failures; a failed startup job does not stop the service.
			_ = sched.RunNow(ctx, name)
		}
		grp.Go(func() error { return sched.Run(ctx) })
	}
	if !c.NoAPI {
		addr := c.Addr
		if addr == "" {
			addr = a.cfg.API.Addr
		}
		srv := api.NewServer(a.store, a.log)
		grp.Go(func() error { return srv.Run(ctx, addr) })
	}
	return grp.Wait()
}

// scheduler registers every recurring job against the full component set.
func (a *app) scheduler() (*scheduler.Scheduler, error) {
	coord, err := a.coordinator()
	if err != nil {
		return nil, err
	}
	idx, err := a.indexEngine()
	if err != nil {
		return nil, err
	}
	tr, err := a.trainer()
	if err != nil {
		return nil, err
	}
	fc, err := a.forecaster()
	if err != nil {
		return nil, err
	}
	p := &scheduler.Pipeline{
		Store:        a.store,
		Ingest:       coord,
		Indices:      idx,
		Alerts:       a.alertEngine(),
		Trainer:      tr,
		Forecaster:   fc,
		BackfillDays: a.cfg.Ingestion.BackfillDays,
		Concurrency:  a.cfg.Ingestion.Concurrency,
		Models:       a.cfg.Training.Scheduled,
		Horizon:      a.cfg.Forecast.Horizon,
	}
	if a.cfg.Schedule.Report != "" {
		rep, err := a.reporter()
		if err != nil {
			return nil, err
		}
		p.Reporter = rep
	}

	s := scheduler.New(a.cfg.Location(), a.log)
	if err := p.Register(s, a.cfg.Schedule); err != nil {
		return nil, err
	}
	return s, nil
}
