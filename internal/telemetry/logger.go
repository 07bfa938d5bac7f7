// Package telemetry is the ambient logging/metrics/config layer shared by
// every other package: one structured logger, one metrics registry, one
// config snapshot store, each safe for concurrent use from TM, MP, SME and
// Flow code running on different goroutines.
package telemetry

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide base logger. Every package derives its
// own *logrus.Entry from it via Component so log lines carry a stable
// "component" field without each call site repeating WithField.
func NewLogger(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

// Component scopes a logger to one package, matching the fields every TM/MP/
// SME/Flow log line is expected to carry (context_id, op_id, addr are added
// ad hoc by call sites on top of this).
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
