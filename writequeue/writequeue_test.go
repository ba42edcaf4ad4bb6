/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package writequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSubmit_RunsJob(t *testing.T) {
	t.Parallel()
	q := New()
	defer q.Close()

	ran := false
	if err := q.Submit(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if !ran {
		t.Error("job did not run")
	}
}

func TestSubmit_PreservesOrder(t *testing.T) {
	t.Parallel()
	q := New()
	defer q.Close()

	var got []int
	for i := 0; i < 10; i++ {
		if err := q.Submit(context.Background(), func(context.Context) error {
			got = append(got, i)
			return nil
		}); err != nil {
			t.Fatalf("Submit(%d) = %v", i, err)
		}
	}

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("job order mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmit_ErrorDoesNotStopQueue(t *testing.T) {
	t.Parallel()
	q := New()
	defer q.Close()

	wantErr := errors.New("write failed")
	if err := q.Submit(context.Background(), func(context.Context) error {
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("Submit() = %v, want %v", err, wantErr)
	}

	ran := false
	if err := q.Submit(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Submit() after failed job = %v", err)
	}
	if !ran {
		t.Error("queue stopped after failed job")
	}
}

func TestSubmit_CancelledContext(t *testing.T) {
	t.Parallel()
	q := New()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Submit(ctx, func(context.Context) error {
		t.Error("job ran with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit() = %v, want context.Canceled", err)
	}
}

func TestSubmit_AfterClose(t *testing.T) {
	t.Parallel()
	q := New()
	q.Close()

	err := q.Submit(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit() after Close = %v, want ErrClosed", err)
	}
}

func TestClose_WaitsForInFlightJob(t *testing.T) {
	t.Parallel()
	q := New()

	started := make(chan struct{})
	finished := false
	go func() {
		_ = q.Submit(context.Background(), func(context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished = true
			return nil
		})
	}()

	<-started
	q.Close()
	if !finished {
		t.Error("Close returned before the in-flight job finished")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	q := New()
	q.Close()
	q.Close()
}

func TestWithDelay_SpacesConsecutiveJobs(t *testing.T) {
	t.Parallel()
	const delay = 30 * time.Millisecond
	q := New(WithDelay(delay))
	defer q.Close()

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		if err := q.Submit(context.Background(), func(context.Context) error {
			stamps = append(stamps, time.Now())
			return nil
		}); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
	}

	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < delay {
			t.Errorf("gap between job %d and %d = %v, want >= %v", i-1, i, gap, delay)
		}
	}
}

func TestSubmit_ConcurrentSubmitters(t *testing.T) {
	t.Parallel()
	q := New()
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wantErr := fmt.Errorf("job %d", i)
			err := q.Submit(context.Background(), func(context.Context) error {
				return wantErr
			})
			if !errors.Is(err, wantErr) {
				t.Errorf("submitter %d got error %v, want %v", i, err, wantErr)
			}
		}()
	}
	wg.Wait()
}
