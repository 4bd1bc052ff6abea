package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv names the environment variable that controls the log level.
const LevelEnv = "CURATOR_LOG_LEVEL"

// Init initializes the global logger with configuration from environment variables.
// CURATOR_LOG_LEVEL controls the log level: trace, debug, info, warn, error (default: info).
// CURATOR_LOG_FORMAT=json switches from the console writer to raw JSON lines.
func Init() {
	zerolog.SetGlobalLevel(ParseLevel(os.Getenv(LevelEnv)))

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if strings.EqualFold(os.Getenv("CURATOR_LOG_FORMAT"), "json") {
		out = os.Stderr
	}
	log.Logger = log.Output(out)
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
