package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/tierrouter"
)

// ZapSink logs routing events using zap.
type ZapSink struct {
	logger *zap.Logger
}

var _ tierrouter.Sink = (*ZapSink)(nil)

// NewZapSink creates a ZapSink. If logger is nil, zap.NewNop() is used.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Emit(e tierrouter.Event) {
	fields := make([]zap.Field, 0, 5+len(e.Details))
	fields = append(fields,
		zap.String("account", e.AccountID),
		zap.String("tier", string(e.Tier)),
		zap.String("correlation_id", e.CorrelationID),
	)
	if e.DeploymentID != "" {
		fields = append(fields, zap.String("deployment", e.DeploymentID), zap.String("region", e.Region))
	}
	for k, v := range e.Details {
		fields = append(fields, zap.Any(k, v))
	}

	if warning(e) {
		s.logger.Warn(string(e.Type), fields...)
	} else {
		s.logger.Info(string(e.Type), fields...)
	}
}
