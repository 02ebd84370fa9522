// Command metgo runs the Quillota and Casablanca agro-meteorological pipeline:
// ingestion, derived indices, model training, forecasts, alerts and reports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/metgo/quillota/internal/failure"
)

type Globals struct {
	Config   string                   `help:"Path to the YAML configuration; built-in defaults when empty." env:"METGO_CONFIG" type:"path"`
	EnvFile  kongdotenv.ENVFileConfig `help:"Path to a .env file." name:"env-file" optional:""`
	LogLevel string                   `help:"Override the configured log level (debug, info, warn, error)."`
}

type CLI struct {
	Globals

	Ingest         IngestCmd   `cmd:"" help:"Fetch, validate and store observations."`
	Train          TrainCmd    `cmd:"" help:"Train and register a model."`
	Forecast       ForecastCmd `cmd:"" help:"Forecast a target for one station."`
	EvaluateAlerts AlertsCmd   `cmd:"" name:"evaluate-alerts" help:"Evaluate alert rules and dispatch notifications."`
	Verify         VerifyCmd   `cmd:"" help:"Verify persisted forecasts against observations."`
	Export         ExportCmd   `cmd:"" help:"Export observations joined with indices as Parquet."`
	Report         ReportCmd   `cmd:"" help:"Build and publish the daily report."`
	Serve          ServeCmd    `cmd:"" help:"Run the scheduler and the read-only API."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("metgo"),
		kong.Description("Agro-meteorological pipeline for the Quillota and Casablanca valleys."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	kctx.BindTo(ctx, (*context.Context)(nil))

	err := kctx.Run(&cli.Globals)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "metgo: %v\n", err)
		os.Exit(failure.ExitCode(err))
	}
}
