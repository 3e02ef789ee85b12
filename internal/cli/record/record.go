// Package record implements the CLI command that runs the agent against
// the calling process itself: a self-observation mode used to exercise
// the pipeline on a host and leave a readable run directory behind.
package record

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hangwatch/hangwatch/internal/agent"
	"github.com/hangwatch/hangwatch/internal/config"
	"github.com/hangwatch/hangwatch/internal/logging"
)

// NewRecordCmd runs the monitoring agent for a bounded duration.
func NewRecordCmd() *cobra.Command {
	var (
		baseDir    string
		configPath string
		duration   time.Duration
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Run the agent against this process and record a run directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}

			logCfg := logging.DefaultConfig()
			logCfg.Level = logLevel
			logger := logging.New(logCfg)

			a, err := agent.New(agent.Options{
				BaseDir: baseDir,
				Config:  cfg,
			}, logger)
			if err != nil {
				return err
			}
			a.Start()
			defer a.Stop()

			logger.Info().
				Str("run_dir", a.Run().Path).
				Dur("duration", duration).
				Msg("Recording")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			select {
			case <-time.After(duration):
			case <-stop:
				logger.Info().Msg("Interrupted")
			}
			cmd.Println(a.Run().Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseDir, "dir", "hangwatch-runs", "base directory for run directories")
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to record")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
