package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JuluruAkhil/ingestion-service/internal/app"
	"github.com/JuluruAkhil/ingestion-service/pkg/config"
	"github.com/JuluruAkhil/ingestion-service/pkg/logger"
)

var (
	serverPort int
	logLevel   string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion service",
	Long: `Start the ingestion service.

This will start all components:
• Credential refresher (fail-stop on renewal failure)
• Cron-driven ingestion scheduler
• Ops HTTP server for health and sync status

Examples:
  ingestion-service run                    # Start with default settings
  ingestion-service run --port 9090        # Ops server on custom port
  ingestion-service run --log-level debug  # Enable debug logging`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Ops server port")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
}

func runService(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("Starting ingestion service")

	application := app.New(cfg, log)
	if err := application.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	if err := application.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return application.Stop()
}
