package callbacks

import (
	"errors"
	"strings"
	"testing"
)

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(2)
	ok1 := q.TrySend(func() error { return nil })
	ok2 := q.TrySend(func() error { return nil })
	ok3 := q.TrySend(func() error { return nil })
	if !ok1 || !ok2 || ok3 {
		t.Fatalf("sends=%v,%v,%v want true,true,false", ok1, ok2, ok3)
	}
	st := q.Stats()
	if st.DroppedTotal != 1 || st.SentTotal != 2 || st.QueueDepth != 2 || st.QueueCapacity != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestQueue_FailuresBecomeDiagnostics(t *testing.T) {
	q := NewQueue(8)
	var reports []string
	q.SetReporter(func(msg string) error {
		reports = append(reports, msg)
		return errors.New("reporter broken")
	})

	ran := 0
	q.TrySend(func() error { return errors.New("boom") })
	q.TrySend(func() error { panic("kaboom") })
	q.TrySend(func() error { ran++; return nil })

	res := q.Process(0)
	if res.Ran != 3 || res.Failed != 2 {
		t.Fatalf("first pass=%+v", res)
	}
	if ran != 1 {
		t.Fatalf("healthy callback blocked by failures")
	}
	if q.Len() != 2 {
		t.Fatalf("diagnostics queued=%d want 2", q.Len())
	}

	res = q.Process(0)
	if res.Ran != 2 {
		t.Fatalf("second pass=%+v", res)
	}
	if len(reports) != 2 || reports[0] != "boom" || !strings.Contains(reports[1], "kaboom") {
		t.Fatalf("reports=%q", reports)
	}
	// A failing diagnostic is not reported again.
	if q.Len() != 0 {
		t.Fatalf("diagnostic failure looped back into the queue")
	}
}

func TestQueue_ProcessDefersCallbacksQueuedDuringRun(t *testing.T) {
	q := NewQueue(8)
	q.TrySend(func() error {
		q.TrySend(func() error { return nil })
		return nil
	})
	if res := q.Process(0); res.Ran != 1 {
		t.Fatalf("ran=%d want 1", res.Ran)
	}
	if q.Len() != 1 {
		t.Fatalf("len=%d want 1", q.Len())
	}
	if n := q.Flush(); n != 1 || q.Len() != 0 {
		t.Fatalf("flush=%d len=%d", n, q.Len())
	}
}
