package delivery

import "sync"

// lanes serializes backlog replay and live delivery per recipient.
type lanes struct {
	mu    sync.Mutex
	locks map[string]*lane
}

type lane struct {
	sync.Mutex
	refs int
}

func newLanes() *lanes {
	return &lanes{locks: make(map[string]*lane)}
}

// lock blocks until username's lane is free and returns its release
// func. Idle lanes are dropped from the map.
func (l *lanes) lock(username string) func() {
	l.mu.Lock()
	ln, ok := l.locks[username]
	if !ok {
		ln = &lane{}
		l.locks[username] = ln
	}
	ln.refs++
	l.mu.Unlock()

	ln.Lock()
	return func() {
		ln.Unlock()
		l.mu.Lock()
		ln.refs--
		if ln.refs == 0 {
			delete(l.locks, username)
		}
		l.mu.Unlock()
	}
}
