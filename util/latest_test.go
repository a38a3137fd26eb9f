package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLatest(t *testing.T) {
	l := NewLatest[int]()
	assert.NotNil(t, l.notify, "notify channel should be initialized")
	assert.False(t, l.Pending())
	assert.Equal(t, 0, l.Load())
}

func TestPublishAndLoad(t *testing.T) {
	type progress struct {
		Row, Rows int
	}
	l := NewLatest[progress]()
	l.Publish(progress{Row: 3, Rows: 1024})
	assert.Equal(t, progress{Row: 3, Rows: 1024}, l.Load())
}

func TestNotificationCoalesces(t *testing.T) {
	l := NewLatest[string]()

	l.Publish("row 1")
	l.Publish("row 2")
	l.Publish("row 3")
	assert.True(t, l.Pending())

	select {
	case <-l.Updates():
	default:
		t.Fatal("should have received a notification")
	}

	select {
	case <-l.Updates():
		t.Fatal("notifications must coalesce into one")
	default:
	}

	assert.Equal(t, "row 3", l.Load())
}

func TestConcurrentPublish(t *testing.T) {
	l := NewLatest[int]()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 1000; i++ {
			l.Publish(i)
		}
		close(done)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := -1
		for {
			select {
			case <-l.Updates():
				v := l.Load()
				if v < last {
					t.Errorf("read a stale value: got %d, last was %d", v, last)
				}
				last = v
			case <-done:
				return
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, 999, l.Load())
}
