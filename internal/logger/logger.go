// Package logger provides the application root logger.
package logger

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// New creates the root logger. Components derive their own loggers with
// Named().
func New(level, format string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "shrinkray",
		Level:      hclog.LevelFromString(level),
		Output:     os.Stderr,
		JSONFormat: format == "json",
	})
}
