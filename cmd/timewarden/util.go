package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loykin/timewarden"
)

// openScheduler resolves a Scheduler either from --config (preferred, since
// it also carries orphan-window/execution-threshold/cluster peers) or from a
// bare --dsn for quick one-off administration. reg may be nil for pure
// administrative commands (create/cancel/query) that never dispatch.
func openScheduler(configPath, dsn string, reg *timewarden.Registry) (*timewarden.Scheduler, error) {
	if reg == nil {
		reg = timewarden.NewRegistry()
	}
	if configPath != "" {
		cfg, err := timewarden.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if dsn != "" {
			cfg.Store.DSN = dsn
		}
		s, err := timewarden.NewFromConfig(cfg, reg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return s, nil
	}
	if dsn == "" {
		return nil, fmt.Errorf("either --config or --dsn is required")
	}
	s, err := timewarden.New(dsn, reg, nil)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
