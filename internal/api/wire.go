package api

import (
	"github.com/fpang/catalog-autotag/internal/applier"
	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/config"
	"github.com/fpang/catalog-autotag/internal/metrics"
	"github.com/fpang/catalog-autotag/internal/processor"
)

// DepsFromConfig wires the processing client, applier, selector and health
// check from cfg. A nil catalog client leaves the applier and selector
// unset, so every run is a dry run over explicit IDs. Persistence fields are
// left for the caller.
func DepsFromConfig(cfg config.Config, cat *catalog.Client, m *metrics.Emitter) (Deps, *processor.Client) {
	proc := processor.NewClient(cfg.ProcessorURL, cfg.ProcessorOptions()...)
	deps := Deps{
		Processor:   proc,
		HealthCheck: proc.Ping,
		Metrics:     m,
		Retry:       cfg.RetryPolicy(),
		Concurrency: cfg.Concurrency,
	}
	if cat != nil {
		deps.Applier = applier.New(cat, cfg.RetryPolicy())
		deps.Selector = cat
	}
	return deps, proc
}
