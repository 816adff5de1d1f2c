package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyRun(t *testing.T) {
	errLookup := errors.New("lookup failed")

	tests := []struct {
		name       string
		doneAt     int
		failEvery  bool
		wantDone   bool
		wantErr    error
		wantCalls  int
		wantDelays []time.Duration
	}{
		{name: "done on first attempt", doneAt: 1, wantDone: true, wantCalls: 1, wantDelays: []time.Duration{time.Second}},
		{name: "done on last attempt", doneAt: 3, wantDone: true, wantCalls: 3, wantDelays: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{name: "never done", doneAt: 0, wantCalls: 3, wantDelays: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{name: "errors keep retrying", failEvery: true, wantErr: errLookup, wantCalls: 3, wantDelays: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeper := &recordingSleeper{}
			policy := RetryPolicy{Attempts: 3, BaseDelay: time.Second, Sleep: sleeper.Sleep}
			calls := 0
			done, err := policy.Run(context.Background(), func(_ context.Context, attempt int) (bool, error) {
				calls++
				if tt.failEvery {
					return false, errLookup
				}
				return attempt == tt.doneAt, nil
			})
			if done != tt.wantDone {
				t.Fatalf("expected done=%t, got %t", tt.wantDone, done)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if calls != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if len(sleeper.delays) != len(tt.wantDelays) {
				t.Fatalf("expected delays %v, got %v", tt.wantDelays, sleeper.delays)
			}
			for i := range tt.wantDelays {
				if sleeper.delays[i] != tt.wantDelays[i] {
					t.Fatalf("expected delays %v, got %v", tt.wantDelays, sleeper.delays)
				}
			}
		})
	}
}

func TestRetryPolicyRun_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sleeper := &recordingSleeper{}
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Second, Sleep: sleeper.Sleep}

	done, err := policy.Run(ctx, func(context.Context, int) (bool, error) {
		t.Fatal("fn must not run after cancellation")
		return false, nil
	})
	if done || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got done=%t err=%v", done, err)
	}
}
