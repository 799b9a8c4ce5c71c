package emit

// Emitter receives the observability events of workflow runs.
//
// Implementations must be safe for concurrent use; executors of one
// superstep run in parallel. Emit must not block the run for long and must
// not panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter forwards each event to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil entries are skipped.
//
//	emitter := emit.NewMultiEmitter(
//	    emit.NewLogEmitter(os.Stderr, true),
//	    emit.NewOTelEmitter(otel.Tracer("superstep")),
//	)
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit sends event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
