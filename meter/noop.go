package meter

import "github.com/ineyio/tierrouter"

// NoopSink is a sink that does nothing.
type NoopSink struct{}

var _ tierrouter.Sink = (*NoopSink)(nil)

func (s *NoopSink) Emit(tierrouter.Event) {}
