package service

import "sync"

const lockStripes = 64

// stripedLock serializes bind and delete on the same link within one process
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(linkID int64) func() {
	idx := linkID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	mu := &l.stripes[idx]
	mu.Lock()
	return mu.Unlock
}
