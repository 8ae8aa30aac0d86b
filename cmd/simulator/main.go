// Command simulator serves the registers seeded in the simulator section of
// the config over Modbus TCP.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/config"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/logging"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/servermgr"
)

func main() {
	var cfgPath, listen string
	flag.StringVarP(&cfgPath, "config", "c", "config/collector.yaml", "path to YAML config")
	flag.StringVar(&listen, "listen", "", "override simulator.listen")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load yaml config: %v", err)
	}
	if listen != "" {
		cfg.Simulator.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.Log)
	if err := servermgr.NewManager(cfg.Simulator, logger).Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("simulator exited")
	}
}
