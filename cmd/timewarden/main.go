package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "timewarden", Short: "Durable, cluster-aware timer scheduler"}

	var configPath string
	var dsn string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML/JSON/TOML config file")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "store DSN (postgres://... or sqlite://path), overrides --config store.dsn")

	root.AddCommand(
		newServeCommand(&configPath, &dsn),
		newCallAfterCommand(&configPath, &dsn),
		newCallAtCommand(&configPath, &dsn),
		newCallIntervalCommand(&configPath, &dsn),
		newCallCrontabCommand(&configPath, &dsn),
		newCancelIDCommand(&configPath, &dsn),
		newCancelNameCommand(&configPath, &dsn),
		newCancelAllCommand(&configPath, &dsn),
		newExistsCommand(&configPath, &dsn),
		newHintCommand(),
	)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
