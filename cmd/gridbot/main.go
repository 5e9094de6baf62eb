package main

import (
	"flag"
	"fmt"
	"os"

	"gridbot/internal/bootstrap"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting gridbot",
		"mode", app.Cfg.App.Mode,
		"symbol", app.Cfg.App.Symbol,
		"levels", app.Ladder.Size())

	if err := app.Run(); err != nil {
		app.Logger.Error("gridbot exited with error", "error", err)
		os.Exit(1)
	}
}
