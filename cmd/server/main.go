package main

import (
	"flag"
	"log/slog"
	"os"
)

func main() {
	var configPath string
	var logTransactions bool
	var fixedTime string

	flag.StringVar(&configPath, "c", "", "Path to the INI configuration file (required)")
	flag.BoolVar(&logTransactions, "i", false, "Log every client transaction")
	flag.StringVar(&fixedTime, "f", "", "Freeze the server clock at y,m,d,h,m,s (for testing)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if configPath == "" {
		logger.Error("missing required -c <config> flag")
		flag.Usage()
		os.Exit(2)
	}

	application, err := BuildApplication(configPath, logTransactions, fixedTime, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	if err := Run(application); err != nil {
		application.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
