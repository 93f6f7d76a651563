package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/config"
)

// PrintBanner displays the application startup banner.
func PrintBanner(cfg *config.Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()
	serviceURL := fmt.Sprintf("ws://%s:%d", cfg.Server.Host, cfg.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("ENSEMBLE EVALUATOR")
	b.PrintCenteredText("Forward Model Job Orchestration")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Driver", cfg.Driver.Type, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("driver", cfg.Driver.Type).
		Str("service_url", serviceURL).
		Int("max_submit", cfg.Queue.MaxSubmit).
		Int("max_running", cfg.Queue.MaxRunning).
		Msg("evaluator started")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("ENSEMBLE EVALUATOR")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("evaluator shutting down")
}
