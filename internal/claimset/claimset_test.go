package claimset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryInsert_SecondCallerLoses(t *testing.T) {
	s := New()
	assert.True(t, s.TryInsert("svc-A"))
	assert.False(t, s.TryInsert("svc-A"), "a second concurrent claim on the same id must not succeed")
}

func TestRemove_AllowsReinsert(t *testing.T) {
	s := New()
	s.TryInsert("svc-A")
	s.Remove("svc-A")
	assert.True(t, s.TryInsert("svc-A"))
}

func TestContains(t *testing.T) {
	s := New()
	assert.False(t, s.Contains("svc-A"))
	s.TryInsert("svc-A")
	assert.True(t, s.Contains("svc-A"))
}

func TestConcurrentInsert_ExactlyOneWinner(t *testing.T) {
	s := New()
	const n = 50
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- s.TryInsert("svc-A")
		}()
	}
	wg.Wait()
	close(wins)

	winCount := 0
	for w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount, "exactly one concurrent TryInsert must win")
}

func TestLen_EmptyWhenQuiescent(t *testing.T) {
	s := New()
	s.TryInsert("svc-A")
	s.TryInsert("svc-B")
	assert.Equal(t, 2, s.Len())
	s.Remove("svc-A")
	s.Remove("svc-B")
	assert.Equal(t, 0, s.Len())
}
