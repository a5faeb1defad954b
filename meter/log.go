package meter

import (
	"log/slog"
	"sort"

	"github.com/ineyio/tierrouter"
)

// LogSink logs routing events using slog.
type LogSink struct {
	Logger *slog.Logger
}

var _ tierrouter.Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(e tierrouter.Event) {
	attrs := []any{
		"account", e.AccountID,
		"tier", string(e.Tier),
		"correlation_id", e.CorrelationID,
	}
	if e.DeploymentID != "" {
		attrs = append(attrs, "deployment", e.DeploymentID, "region", e.Region)
	}

	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, e.Details[k])
	}

	if warning(e) {
		s.Logger.Warn(string(e.Type), attrs...)
	} else {
		s.Logger.Info(string(e.Type), attrs...)
	}
}
