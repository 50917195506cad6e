// Package callbacks is the one-way channel from the equalization engine to the
// host's execution context. Senders never block: a full queue drops the
// callback. The host drains the queue on its own goroutine.
package callbacks

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Func is a deferred host-side action carrying plain data in its closure.
type Func func() error

type item struct {
	fn         Func
	diagnostic bool
}

type Queue struct {
	ch chan item

	report atomic.Pointer[func(msg string) error]

	sentTotal    atomic.Uint64
	droppedTotal atomic.Uint64
	ranTotal     atomic.Uint64
	failedTotal  atomic.Uint64
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	SentTotal     uint64 `json:"sent_total"`
	DroppedTotal  uint64 `json:"dropped_total"`
	RanTotal      uint64 `json:"ran_total"`
	FailedTotal   uint64 `json:"failed_total"`
}

// ProcessResult describes one Process call.
type ProcessResult struct {
	Ran      int
	Failed   int
	Deferred int
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan item, size)}
}

// SetReporter installs the host's diagnostic sink. Failed callbacks are turned
// into a diagnostic callback that calls fn with the failure message.
func (q *Queue) SetReporter(fn func(msg string) error) {
	q.report.Store(&fn)
}

// TrySend enqueues fn without blocking and reports whether it was accepted.
func (q *Queue) TrySend(fn Func) bool {
	return q.send(item{fn: fn})
}

func (q *Queue) send(it item) bool {
	if q == nil || it.fn == nil {
		return false
	}
	select {
	case q.ch <- it:
		q.sentTotal.Add(1)
		return true
	default:
		q.droppedTotal.Add(1)
		return false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

// Process runs the callbacks queued at call time until the budget is spent.
// A budget <= 0 runs all of them. Callbacks queued while processing wait for
// the next call.
func (q *Queue) Process(budget time.Duration) ProcessResult {
	var res ProcessResult
	start := time.Now()
	n := len(q.ch)
	for i := 0; i < n; i++ {
		if budget > 0 && time.Since(start) >= budget {
			res.Deferred = n - i
			break
		}
		var it item
		select {
		case it = <-q.ch:
		default:
			return res
		}
		res.Ran++
		q.ranTotal.Add(1)
		if err := run(it.fn); err != nil {
			res.Failed++
			q.failedTotal.Add(1)
			if !it.diagnostic {
				q.diagnose(err)
			}
		}
	}
	return res
}

func (q *Queue) diagnose(err error) {
	p := q.report.Load()
	if p == nil {
		return
	}
	report := *p
	msg := err.Error()
	q.send(item{diagnostic: true, fn: func() error { return report(msg) }})
}

func run(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// Flush discards everything queued and returns how many callbacks were dropped.
func (q *Queue) Flush() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		QueueDepth:    len(q.ch),
		QueueCapacity: cap(q.ch),
		SentTotal:     q.sentTotal.Load(),
		DroppedTotal:  q.droppedTotal.Load(),
		RanTotal:      q.ranTotal.Load(),
		FailedTotal:   q.failedTotal.Load(),
	}
}
