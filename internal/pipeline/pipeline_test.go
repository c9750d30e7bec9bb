package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
)

func TestSubmitRunsMutator(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	p := New(clk, func(ctx context.Context, req Request) (Result, error) {
		return Result{Kind: KindCompleted, Message: "done"}, nil
	})
	res, err := p.SubmitTerminalCommand(context.Background(), Request{CommandText: "x", RepoRoot: "/r"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindCompleted || res.Message != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDuplicateRequestIDReturnsCachedResult(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	var calls int32
	p := New(clk, func(ctx context.Context, req Request) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{Kind: KindCompleted, CommandID: "cmd-1"}, nil
	})

	req := Request{CommandText: "x", RepoRoot: "/r", RequestID: "req-1"}
	first, err := p.SubmitTerminalCommand(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.SubmitTerminalCommand(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.CommandID != first.CommandID {
		t.Fatalf("expected cached result, got %+v vs %+v", first, second)
	}
	if calls != 1 {
		t.Fatalf("expected mutator to run exactly once, got %d", calls)
	}
}

func TestDedupeWindowExpires(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	var calls int32
	p := New(clk, func(ctx context.Context, req Request) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{Kind: KindCompleted}, nil
	}, WithDedupeWindow(time.Minute))

	req := Request{CommandText: "x", RepoRoot: "/r", RequestID: "req-1"}
	if _, err := p.SubmitTerminalCommand(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := p.SubmitTerminalCommand(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected mutator to run again after window expiry, got %d", calls)
	}
}

func TestSubmissionsToSameRepoRootAreSerialized(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	var active int32
	var maxActive int32
	p := New(clk, func(ctx context.Context, req Request) (Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return Result{Kind: KindCompleted}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.SubmitTerminalCommand(context.Background(), Request{CommandText: "x", RepoRoot: "/shared"})
		}()
	}
	wg.Wait()
	if maxActive > 1 {
		t.Fatalf("expected at most one concurrent mutation per repo_root, saw %d", maxActive)
	}
}

func TestDeadlineAlreadyPassedIsRejected(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	p := New(clk, func(ctx context.Context, req Request) (Result, error) {
		t.Fatal("mutator should not run for an already-passed deadline")
		return Result{}, nil
	})
	res, err := p.SubmitTerminalCommand(context.Background(), Request{
		CommandText: "x", RepoRoot: "/r", Deadline: clk.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindRejected {
		t.Fatalf("expected rejected, got %+v", res)
	}
}
