package transfer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	var mu sync.Mutex
	active := map[string]int{}
	maxSeen := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		key := []string{"f1", "f2"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(key)
			mu.Lock()
			active[key]++
			if active[key] > maxSeen[key] {
				maxSeen[key] = active[key]
			}
			mu.Unlock()

			mu.Lock()
			active[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen["f1"])
	assert.Equal(t, 1, maxSeen["f2"])
	assert.Empty(t, locks.locks)
}
