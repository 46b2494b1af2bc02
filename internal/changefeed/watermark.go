package changefeed

import "sync"

// Watermark tracks the newest feed position whose change, and every change
// admitted before it, has finished processing. Positions are opaque, so
// order comes from admission order rather than from the tokens.
type Watermark struct {
	mu      sync.Mutex
	pending []*mark
	done    string
}

type mark struct {
	seq      string
	finished bool
}

// NewWatermark starts at seq.
func NewWatermark(seq string) *Watermark {
	return &Watermark{done: seq}
}

// Admit records seq as in flight and returns the func that marks it done.
// Calling the returned func more than once has no further effect.
func (w *Watermark) Admit(seq string) func() {
	m := &mark{seq: seq}

	w.mu.Lock()
	w.pending = append(w.pending, m)
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { w.finish(m) })
	}
}

func (w *Watermark) finish(m *mark) {
	w.mu.Lock()
	defer w.mu.Unlock()

	m.finished = true
	i := 0
	for i < len(w.pending) && w.pending[i].finished {
		w.done = w.pending[i].seq
		i++
	}
	w.pending = w.pending[i:]
}

// Seq returns the current watermark.
func (w *Watermark) Seq() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// InFlight returns the number of admitted positions not yet below the
// watermark.
func (w *Watermark) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
