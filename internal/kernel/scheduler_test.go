package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kernelroute/internal/testutil/testlog"
	"pgregory.net/rapid"
)

func TestSchedulerRunsInSubmissionOrder(t *testing.T) {
	testlog.Start(t)
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		s := NewScheduler[int]()

		var mu sync.Mutex
		var got []int
		exec := func(_ context.Context, v int) error {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
			return nil
		}

		dones := make([]<-chan error, 0, n)
		for i := 0; i < n; i++ {
			dones = append(dones, s.Schedule(context.Background(), i, exec))
		}
		for i, done := range dones {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				rt.Fatalf("operation %d never settled", i)
			}
		}
		for i, v := range got {
			if v != i {
				rt.Fatalf("out of order at %d: %v", i, got)
			}
		}
	})
}

func TestSchedulerNestedRunAsyncRunsInline(t *testing.T) {
	testlog.Start(t)
	s := NewScheduler[string]()
	var order []string
	err := s.RunAsync(context.Background(), "outer", func(ctx context.Context, v string) error {
		order = append(order, v)
		if err := s.RunAsync(ctx, "inner", func(_ context.Context, v string) error {
			order = append(order, v)
			return nil
		}); err != nil {
			return err
		}
		order = append(order, "outer-done")
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 3 || order[1] != "inner" || order[2] != "outer-done" {
		t.Fatalf("nested operation did not run inline: %v", order)
	}
}

func TestSchedulerTrampolinePreemptsQueue(t *testing.T) {
	testlog.Start(t)
	s := NewScheduler[string]()
	s.SetMustTrampoline(func(v string) bool { return v == "input" })

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	record := func(_ context.Context, v string) error {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
		return nil
	}

	first := s.Schedule(context.Background(), "first", func(ctx context.Context, v string) error {
		close(started)
		<-release
		return record(ctx, v)
	})
	<-started
	queued := s.Schedule(context.Background(), "queued", record)

	if err := s.RunAsync(context.Background(), "input", record); err != nil {
		t.Fatalf("trampoline run: %v", err)
	}
	close(release)
	<-first
	<-queued

	mu.Lock()
	defer mu.Unlock()
	want := []string{"input", "first", "queued"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order: %v", order)
		}
	}
	if s.Busy() {
		t.Fatalf("scheduler should be idle")
	}
}

func TestSchedulerRunAsyncHonorsCallerContext(t *testing.T) {
	testlog.Start(t)
	s := NewScheduler[int]()
	release := make(chan struct{})
	blocking := s.Schedule(context.Background(), 1, func(context.Context, int) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.RunAsync(ctx, 2, func(context.Context, int) error { return nil }); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	<-blocking
}
