package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be turned off at construction time, for
// consumers that guarantee external synchronization and do not want to pay for
// internal locking.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
