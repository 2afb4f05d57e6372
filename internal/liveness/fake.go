package liveness

import (
	"context"
	"sync"
)

// Fake is an in-memory Checker for tests. Processes are alive unless marked
// dead; Calls counts every query.
type Fake struct {
	mu    sync.Mutex
	dead  map[int]bool
	calls int
}

func NewFake() *Fake {
	return &Fake{dead: make(map[int]bool)}
}

// Kill marks pid as a confirmed dead process.
func (f *Fake) Kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[pid] = true
}

// Revive undoes Kill, as if the PID had been reused.
func (f *Fake) Revive(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dead, pid)
}

func (f *Fake) IsAlive(_ context.Context, pid int, _ uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return !f.dead[pid]
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
