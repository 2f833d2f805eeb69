package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/timewarden"
)

func callableFlags(cmd *cobra.Command, module, function, arguments *string) {
	cmd.Flags().StringVar(module, "module", "", "handler module name (required)")
	cmd.Flags().StringVar(function, "function", "", "handler function name (required)")
	cmd.Flags().StringVar(arguments, "arguments", "", "opaque argument payload passed to the handler verbatim")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("function")
}

func optionFlags(cmd *cobra.Command, name *string, maxCalls *int) {
	cmd.Flags().StringVar(name, "name", "", "unique timer name; re-creating with the same name replaces it")
	cmd.Flags().IntVar(maxCalls, "max-calls", 0, "stop after this many fires (0 means unlimited; call-after and call-at always fire once)")
}

func buildOptions(name string, maxCalls int) timewarden.Options {
	opts := timewarden.Options{Name: name}
	if maxCalls > 0 {
		opts.MaxCalls = &maxCalls
	}
	return opts
}

func newCallAfterCommand(configPath, dsn *string) *cobra.Command {
	var module, function, arguments, name string
	var maxCalls int
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "call-after",
		Short: "Schedule a one-shot timer firing after a delay",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			row, err := s.CallAfter(context.Background(),
				timewarden.Callable{Module: module, Function: function, Arguments: []byte(arguments)},
				duration, buildOptions(name, maxCalls))
			if err != nil {
				return err
			}
			printJSON(row)
			return nil
		},
	}
	callableFlags(cmd, &module, &function, &arguments)
	optionFlags(cmd, &name, &maxCalls)
	cmd.Flags().DurationVar(&duration, "duration", time.Minute, "delay before the timer fires")
	return cmd
}

func newCallAtCommand(configPath, dsn *string) *cobra.Command {
	var module, function, arguments, name, at string
	var maxCalls int
	cmd := &cobra.Command{
		Use:   "call-at",
		Short: "Schedule a one-shot timer firing at an absolute instant (RFC3339)",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at timestamp: %w", err)
			}
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			row, err := s.CallAt(context.Background(),
				timewarden.Callable{Module: module, Function: function, Arguments: []byte(arguments)},
				when, buildOptions(name, maxCalls))
			if err != nil {
				return err
			}
			printJSON(row)
			return nil
		},
	}
	callableFlags(cmd, &module, &function, &arguments)
	optionFlags(cmd, &name, &maxCalls)
	cmd.Flags().StringVar(&at, "at", "", "absolute RFC3339 instant to fire at (required)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newCallIntervalCommand(configPath, dsn *string) *cobra.Command {
	var module, function, arguments, name string
	var maxCalls int
	var leadIn, interval time.Duration
	cmd := &cobra.Command{
		Use:   "call-interval",
		Short: "Schedule a recurring fixed-period timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			row, err := s.CallInterval(context.Background(),
				timewarden.Callable{Module: module, Function: function, Arguments: []byte(arguments)},
				leadIn, interval, buildOptions(name, maxCalls))
			if err != nil {
				return err
			}
			printJSON(row)
			return nil
		},
	}
	callableFlags(cmd, &module, &function, &arguments)
	optionFlags(cmd, &name, &maxCalls)
	cmd.Flags().DurationVar(&leadIn, "lead-in", 0, "delay before the first fire (0 defaults to --interval)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "period between fires")
	return cmd
}

func newCallCrontabCommand(configPath, dsn *string) *cobra.Command {
	var module, function, arguments, name, expression, timezone string
	var maxCalls int
	cmd := &cobra.Command{
		Use:   "call-crontab",
		Short: "Schedule a recurring timer on a cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			row, err := s.CallCrontab(context.Background(),
				timewarden.Callable{Module: module, Function: function, Arguments: []byte(arguments)},
				expression, timezone, buildOptions(name, maxCalls))
			if err != nil {
				return err
			}
			printJSON(row)
			return nil
		},
	}
	callableFlags(cmd, &module, &function, &arguments)
	optionFlags(cmd, &name, &maxCalls)
	cmd.Flags().StringVar(&expression, "expression", "", "standard 5-field cron expression (required)")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone the expression is evaluated in")
	_ = cmd.MarkFlagRequired("expression")
	return cmd
}

func newCancelIDCommand(configPath, dsn *string) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "cancel-id",
		Short: "Cancel a timer by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()
			return s.CancelByID(context.Background(), id)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "timer ID (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newCancelNameCommand(configPath, dsn *string) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "cancel-name",
		Short: "Cancel a timer by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()
			return s.CancelByName(context.Background(), name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "timer name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newCancelAllCommand(configPath, dsn *string) *cobra.Command {
	var module, function string
	cmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every timer bound to a module/function",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()
			n, err := s.CancelAll(context.Background(), module, function)
			if err != nil {
				return err
			}
			printJSON(map[string]int64{"cancelled": n})
			return nil
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "handler module name (required)")
	cmd.Flags().StringVar(&function, "function", "", "handler function name (required)")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("function")
	return cmd
}

func newExistsCommand(configPath, dsn *string) *cobra.Command {
	var name string
	var id int64
	cmd := &cobra.Command{
		Use:   "exists",
		Short: "Check whether a timer exists by --name or --id",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(*configPath, *dsn, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			if name != "" {
				ok, err := s.NameExists(context.Background(), name)
				if err != nil {
					return err
				}
				printJSON(map[string]bool{"exists": ok})
				return nil
			}
			ok, err := s.IDExists(context.Background(), id)
			if err != nil {
				return err
			}
			printJSON(map[string]bool{"exists": ok})
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "timer name to check")
	cmd.Flags().Int64Var(&id, "id", 0, "timer ID to check")
	return cmd
}
