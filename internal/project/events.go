package project

// EventType identifies project events.
type EventType int

const (
	// EventSettingsChanged carries the []int of sections whose settings changed.
	EventSettingsChanged EventType = iota
	// EventExclusionChanged carries the section index.
	EventExclusionChanged
	// EventResultInserted carries the cache.Key of the new result.
	EventResultInserted
	// EventBatchFinished carries the batch Report.
	EventBatchFinished
	// EventPropagated carries the []int of levels seeded by Push.
	EventPropagated
	// EventProjectSaved carries the file path.
	EventProjectSaved
)

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// On registers a listener. Listeners run on the goroutine that emits and
// must not block.
func (p *Project) On(event EventType, listener EventListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[event] = append(p.listeners[event], listener)
}

// Emit calls every listener registered for the event.
func (p *Project) Emit(event EventType, data interface{}) {
	p.mu.RLock()
	listeners := p.listeners[event]
	p.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}
