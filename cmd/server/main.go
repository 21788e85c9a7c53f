// Command server serves motion analysis over WebSocket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/nvr-ai/go-motion/config"
	"github.com/nvr-ai/go-motion/controller"
	"github.com/nvr-ai/go-motion/images"
	"github.com/nvr-ai/go-motion/server"
	"github.com/nvr-ai/go-motion/source"
)

func main() {
	addr := flag.String("addr", "", "Listen address (overrides LISTEN_ADDR)")
	envFile := flag.String("env", "", "Path to a .env file (default ./.env)")
	flag.Parse()
	defer glog.Flush()

	var cfg *config.Config
	if *envFile != "" {
		cfg = config.Load(*envFile)
	} else {
		cfg = config.Load()
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if err := cfg.Defaults().Validate(); err != nil {
		glog.Exitf("invalid default detection parameters: %v", err)
	}

	renderer, err := images.NewHeatmapRenderer(cfg.Heatmap())
	if err != nil {
		glog.Exitf("heatmap renderer: %v", err)
	}
	engine := controller.NewEngine(source.GocvOpener{}, renderer)

	glog.Infof("starting motion server: heatmaps %s in %s, background model %s",
		cfg.HeatmapFormat, cfg.HeatmapDir, cfg.BackgroundModel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg, engine).ListenAndServe(ctx); err != nil {
		glog.Errorf("server stopped: %v", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Infof("stopped")
}
