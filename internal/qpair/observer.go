package qpair

// Observer receives queue pair engine events for metrics/observability. A
// QPair calls it on every submit, completion, deferral, retry, abort, and
// routing failure, mirroring how the admin and I/O paths instrument those
// same events.
type Observer interface {
	ObserveSubmit(latencyNs uint64, isError bool)
	ObserveRetry()
	ObserveDeferral()
	ObserveAbort()
	ObserveProtocolViolation()
	ObserveRoutingFailure()
	ObserveQueueDepth(depth uint32)
}

// noOpObserver discards every event; used when Config.Observer is nil so
// the engine never has to nil-check before calling out.
type noOpObserver struct{}

func (noOpObserver) ObserveSubmit(uint64, bool)   {}
func (noOpObserver) ObserveRetry()                {}
func (noOpObserver) ObserveDeferral()              {}
func (noOpObserver) ObserveAbort()                 {}
func (noOpObserver) ObserveProtocolViolation()     {}
func (noOpObserver) ObserveRoutingFailure()        {}
func (noOpObserver) ObserveQueueDepth(uint32)      {}

var _ Observer = noOpObserver{}
