package meter

import "github.com/ineyio/tierrouter"

// MultiSink fans every event out to several sinks in order.
type MultiSink []tierrouter.Sink

var _ tierrouter.Sink = MultiSink(nil)

// Multi returns a sink emitting to every non-nil sink in sinks.
func Multi(sinks ...tierrouter.Sink) MultiSink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m MultiSink) Emit(e tierrouter.Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
