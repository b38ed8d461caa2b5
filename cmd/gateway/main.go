// Command gateway runs the trade gateway: one session per configured venue,
// the outbound event hub and the health endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"trade_gateway/internal/bootstrap"

	"github.com/joho/godotenv"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile    = flag.String("env-file", ".env", "Optional dotenv file with venue credentials")
	checkOnly  = flag.Bool("check", false, "Validate the configuration and exit")
)

func main() {
	flag.Parse()

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg, err := bootstrap.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Print(cfg.String())
		return
	}

	app, err := bootstrap.Build(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		os.Exit(1)
	}
}
