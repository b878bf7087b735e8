// Package common provides the centralized logging infrastructure for the
// docuflow platform. It exposes a global logrus logger with intelligent
// output routing: error-level messages are written to stderr while all other
// levels go to stdout, so containerized deployments can treat the two
// streams differently.
//
// All services (API server, queue workers, CLI commands) share the global
// Logger to keep formatting and routing uniform. Field-scoped logging for
// tenant and job processing is provided by ContextLogger.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stdout or stderr based on
// the entry's level. It matches the literal "level=error" marker produced by
// the logrus text and JSON formatters, avoiding any parsing overhead.
type OutputSplitter struct{}

// Write implements io.Writer. Error entries go to stderr, everything else
// to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all docuflow components.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// ConfigureLogger applies level and format settings, typically from the
// loaded configuration.
func ConfigureLogger(level, format string) {
	if parsed, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(parsed)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
