package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/tasks"
)

func main() {
	var opts tasks.Options
	flag.StringVarP(&opts.ConfigPath, "config", "c", "config/collector.yaml", "path to YAML config")
	flag.StringVar(&opts.LogLevel, "log-level", "", "override log.level")
	flag.StringVar(&opts.DBPath, "db", "", "override storage.db_path")
	flag.StringVar(&opts.Listen, "listen", "", "override api.listen")
	flag.BoolVar(&opts.Simulate, "simulate", false, "run against the built-in simulator")
	flag.Parse()

	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tasks.InitAndRunCollector(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}
