package async

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type panicRecorder struct {
	ch chan string
}

func (r *panicRecorder) Error(format string, args ...any) {
	r.ch <- fmt.Sprintf(format, args...)
}

func TestGo_RecoversPanic(t *testing.T) {
	rec := &panicRecorder{ch: make(chan string, 1)}
	Go(rec, "boom", func() { panic("kaboom") })

	select {
	case msg := <-rec.ch:
		if !strings.Contains(msg, "boom") || !strings.Contains(msg, "kaboom") {
			t.Errorf("panic report %q should carry the goroutine name and value", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestGo_NilLoggerSwallowsPanic(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "", func() {
		defer close(done)
		panic("silent")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
