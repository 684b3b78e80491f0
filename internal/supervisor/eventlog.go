package supervisor

// eventLog is a fixed-capacity ring of events; the oldest entry is
// overwritten once the ring is full. Callers hold the supervisor lock.
type eventLog struct {
	buf   []Event
	start int
	size  int
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &eventLog{buf: make([]Event, capacity)}
}

func (l *eventLog) append(e Event) {
	idx := (l.start + l.size) % len(l.buf)
	l.buf[idx] = e
	if l.size < len(l.buf) {
		l.size++
		return
	}
	l.start = (l.start + 1) % len(l.buf)
}

// recent returns up to n newest events, oldest first.
func (l *eventLog) recent(n int) []Event {
	if n <= 0 || l.size == 0 {
		return []Event{}
	}
	if n > l.size {
		n = l.size
	}
	out := make([]Event, n)
	skip := l.size - n
	for i := 0; i < n; i++ {
		out[i] = l.buf[(l.start+skip+i)%len(l.buf)]
	}
	return out
}

func (l *eventLog) all() []Event { return l.recent(l.size) }

func (l *eventLog) clear() {
	for i := range l.buf {
		l.buf[i] = nil
	}
	l.start, l.size = 0, 0
}

func (l *eventLog) len() int { return l.size }
