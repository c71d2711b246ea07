package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blez/pkg/config"
)

// configureLogger creates the command logger. --log-level takes precedence;
// a config file's log_level applies when --config is given; otherwise the
// logger stays silent so it does not interleave with command output.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	level := logrus.PanicLevel

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		switch lvl {
		case "debug":
			level = logrus.DebugLevel
		case "info":
			level = logrus.InfoLevel
		case "warn":
			level = logrus.WarnLevel
		case "error":
			level = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", lvl)
		}
		cfg.LogLevel = lvl
	} else if path, _ := cmd.Flags().GetString("config"); path != "" {
		level = cfg.Level()
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
