package config

import (
	"fmt"
	"log/slog"

	"github.com/jpalmerr/pulsequery"
	"github.com/jpalmerr/pulsequery/query"
)

// BuildQueries converts parsed configuration into standing query definitions.
//
// It processes both direct queries and grids, returning a combined slice.
// Grid dimensions are expanded via cartesian product.
func BuildQueries(cfg *Config) ([]query.Definition, error) {
	var defs []query.Definition

	for _, qc := range cfg.Queries {
		defs = append(defs, query.Definition{
			Name:   qc.Name,
			Select: qc.Select.Select(),
			Where:  qc.Where.Raw,
		})
	}

	for _, gc := range cfg.QueryGrids {
		grid, err := pulsequery.NewQueryGrid(gc.Name,
			pulsequery.WithSelect(query.Aggregator(gc.Select.Aggregator), gc.Select.Field),
			pulsequery.WithWhereTemplate(gc.WhereTemplate),
			pulsequery.WithDimensions(gc.Dimensions),
		)
		if err != nil {
			return nil, fmt.Errorf("grid %q: %w", gc.Name, err)
		}
		defs = append(defs, grid...)
	}

	return defs, nil
}

// BuildOptions converts parsed configuration into SDK options for [pulsequery.New].
func BuildOptions(cfg *Config, logger *slog.Logger) ([]pulsequery.Option, error) {
	defs, err := BuildQueries(cfg)
	if err != nil {
		return nil, err
	}

	opts := []pulsequery.Option{
		pulsequery.WithPort(cfg.Port),
		pulsequery.WithEvalInterval(cfg.Evaluator.Interval.Duration()),
		pulsequery.WithMaxConcurrency(cfg.Evaluator.MaxConcurrency),
		pulsequery.WithCommands(pulsequery.CommandConfig{
			Enabled:        cfg.Commands.Enabled,
			Timeout:        cfg.Commands.Timeout.Duration(),
			MaxOutput:      cfg.Commands.MaxOutput,
			MaxConcurrency: cfg.Commands.MaxConcurrency,
		}),
		pulsequery.WithRateLimit(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		pulsequery.WithQueries(defs...),
	}

	if logger != nil {
		opts = append(opts, pulsequery.WithLogger(logger))
	}
	if cfg.Title != "" {
		opts = append(opts, pulsequery.WithTitle(cfg.Title))
	}
	if cfg.Storage.Driver == DriverSQLite {
		opts = append(opts, pulsequery.WithSQLite(cfg.Storage.Path))
	}
	if cfg.Storage.SubscriberBuffer > 0 {
		opts = append(opts, pulsequery.WithSubscriberBuffer(cfg.Storage.SubscriberBuffer))
	}
	if cfg.Evaluator.Dir != "" {
		opts = append(opts, pulsequery.WithRecordsDir(cfg.Evaluator.Dir))
	}

	return opts, nil
}
