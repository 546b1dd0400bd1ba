package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testutilCount(c prometheus.Collector) float64 { return testutil.ToFloat64(c) }

func TestTaskQueueRunsInOrder(t *testing.T) {
	q := NewTaskQueue(context.Background())
	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		q.Enqueue(func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Wait()
	if len(got) != 50 {
		t.Fatalf("task count mismatch: want=50 got=%d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order mismatch at %d: want=%d got=%d", i, i, v)
		}
	}
}

func TestTaskQueueSurvivesPanic(t *testing.T) {
	q := NewTaskQueue(context.Background())
	ran := false
	q.Enqueue(func(context.Context) { panic("boom") })
	q.Enqueue(func(context.Context) { ran = true })
	q.Wait()
	if !ran {
		t.Fatalf("task after panic did not run")
	}
}

func TestTaskQueueClose(t *testing.T) {
	q := NewTaskQueue(context.Background())
	release := make(chan struct{})
	started := make(chan struct{})
	second := false
	q.Enqueue(func(context.Context) {
		close(started)
		<-release
	})
	q.Enqueue(func(context.Context) { second = true })
	<-started
	q.Close()
	close(release)
	q.Wait()
	if second {
		t.Fatalf("pending task ran after Close")
	}
	if q.Enqueue(func(context.Context) {}) {
		t.Fatalf("Enqueue after Close: want=false got=true")
	}
}
