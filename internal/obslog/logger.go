// Package obslog provides the structured JSON logger shared by the gateway
// and worker binaries. Grounded on legal-gateway/main.go's logrus setup:
// JSONFormatter, a remapped FieldMap, and a service-identity field set
// stamped onto every line at construction time.
package obslog

import (
	"time"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger configured the way legal-gateway/main.go does,
// pre-populated with the calling service's identity fields.
func New(service, version, environment string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetLevel(logrus.InfoLevel)

	logger.AddHook(identityHook{
		"service":     service,
		"version":     version,
		"environment": environment,
	})
	return logger
}

// identityHook stamps the service identity fields onto every log entry.
type identityHook logrus.Fields

func (h identityHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h identityHook) Fire(e *logrus.Entry) error {
	for k, v := range h {
		e.Data[k] = v
	}
	return nil
}

// WithQuery returns an Entry scoped to one query, carrying the identifiers
// that let an operator locate every log line for a request (spec §7's
// "sufficient context to locate the offending document/entity/seed").
func WithQuery(logger *logrus.Logger, queryID, groupID, route string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"query_id": queryID,
		"group_id": groupID,
		"route":    route,
	})
}
