package workqueue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueOrder(t *testing.T) {
	a := assert.New(t)
	var got []int
	q := New(func(i int) { got = append(got, i) })
	for i := 0; i < 1000; i++ {
		a.True(q.Enqueue(i))
	}
	q.Wait()
	a.Len(got, 1000)
	for i, v := range got {
		if v != i {
			a.Failf("out of order", "item %d was %d", i, v)
			break
		}
	}
}

func TestQueueSingleConsumer(t *testing.T) {
	a := assert.New(t)
	var active, maxActive int32
	q := New(func(int) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		atomic.AddInt32(&active, -1)
	})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	q.Wait()
	a.Equal(int32(1), atomic.LoadInt32(&maxActive))
}

func TestQueueDisable(t *testing.T) {
	a := assert.New(t)
	var handled int32
	q := New(func(string) { atomic.AddInt32(&handled, 1) })
	q.SetDisable(true)
	a.True(q.Disabled())
	for _, s := range []string{"a", "b", "c"} {
		a.True(q.Enqueue(s))
	}
	q.Wait()
	a.Equal(3, q.Len())
	a.Equal(int32(0), atomic.LoadInt32(&handled))

	q.SetDisable(false)
	q.Wait()
	a.Equal(0, q.Len())
	a.Equal(int32(3), atomic.LoadInt32(&handled))
}

func TestQueueShutdown(t *testing.T) {
	a := assert.New(t)
	q := New(func(int) {})
	q.SetDisable(true)
	q.Enqueue(1)
	q.Shutdown()
	a.True(q.IsShutdown())
	a.Equal(0, q.Len())
	a.False(q.Enqueue(2))
	q.SetDisable(false)
	q.Wait()
}

func TestQueueDrain(t *testing.T) {
	a := assert.New(t)
	q := New(func(int) {})
	q.SetDisable(true)
	q.Enqueue(1)
	q.Enqueue(2)
	a.Equal([]int{1, 2}, q.Drain())
	a.Equal(0, q.Len())
	a.Empty(q.Drain())
}
