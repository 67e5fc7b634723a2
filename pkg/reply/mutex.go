package reply

import "sync"

// keyedMutex serializes work per conversation. Two inbound messages
// for the same chat racing each other is the one concurrency hazard
// in the state machine: extraction, cooldown and counter updates are
// read-modify-write against the store.
//
// Entries are never evicted; the map grows with the number of distinct
// conversations, which is bounded and small per process.
type keyedMutex struct {
	mu sync.Map // chatID -> *sync.Mutex
}

// Lock locks the mutex for a key and returns the unlock func.
func (k *keyedMutex) Lock(key string) func() {
	v, _ := k.mu.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
