package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/logging"
)

// ErrRateLimited is returned when a call would exceed a configured limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitOptions configures RateLimited.
type RateLimitOptions struct {
	// MaxRequestsPerMinute caps calls in any sliding 60s window. 0 disables the cap.
	MaxRequestsPerMinute int
	// MaxTokensPerDay caps total tokens per UTC day. 0 disables the budget.
	MaxTokensPerDay int
	// MaxCalls caps the number of calls over the limiter's lifetime. 0 means unlimited.
	MaxCalls int
	// WarningThreshold is the percentage of the daily budget that triggers a warning log.
	WarningThreshold int
	// Wait makes callers wait for the per-minute window instead of failing.
	Wait bool

	Logger logging.Logger
	Now    func() time.Time
}

// Usage is the bookkeeping kept by RateLimited.
type Usage struct {
	Day              string `json:"day"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
}

// RateLimited wraps a Model with request/token limits and usage accounting.
type RateLimited struct {
	next Model
	opts RateLimitOptions

	mu         sync.Mutex
	timestamps []time.Time
	calls      int
	usage      Usage
	warned     bool
}

// NewRateLimited wraps next. Defaults: 50 requests per minute, one million
// tokens per day, warning at 80%, waiting for the per-minute window.
func NewRateLimited(next Model, optFns ...func(o *RateLimitOptions)) *RateLimited {
	opts := RateLimitOptions{
		MaxRequestsPerMinute: 50,
		MaxTokensPerDay:      1_000_000,
		WarningThreshold:     80,
		Wait:                 true,
		Logger:               logging.NoOpLogger{},
		Now:                  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RateLimited{next: next, opts: opts}
}

// Info implements Model.
func (r *RateLimited) Info() Info { return r.next.Info() }

// Usage returns a snapshot of today's usage.
func (r *RateLimited) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetDayLocked()
	return r.usage
}

// RemainingRequests returns how many calls fit in the current minute window, or -1 when uncapped.
func (r *RateLimited) RemainingRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.MaxRequestsPerMinute == 0 {
		return -1
	}
	r.pruneLocked(r.opts.Now())
	return max(0, r.opts.MaxRequestsPerMinute-len(r.timestamps))
}

// RemainingTokens returns today's remaining token budget, or -1 when uncapped.
func (r *RateLimited) RemainingTokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.MaxTokensPerDay == 0 {
		return -1
	}
	r.resetDayLocked()
	return max(0, r.opts.MaxTokensPerDay-r.usage.TotalTokens)
}

func (r *RateLimited) resetDayLocked() {
	day := r.opts.Now().UTC().Format(time.DateOnly)
	if r.usage.Day != day {
		r.usage = Usage{Day: day}
		r.warned = false
	}
}

func (r *RateLimited) pruneLocked(now time.Time) {
	i := 0
	for i < len(r.timestamps) && now.Sub(r.timestamps[i]) >= time.Minute {
		i++
	}
	r.timestamps = r.timestamps[i:]
}

// acquire reserves a call slot or returns how long to wait for one.
func (r *RateLimited) acquire() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetDayLocked()
	now := r.opts.Now()

	if r.opts.MaxCalls > 0 && r.calls >= r.opts.MaxCalls {
		return 0, fmt.Errorf("%w: exceeded max model calls: %d", ErrRateLimited, r.opts.MaxCalls)
	}
	if r.opts.MaxTokensPerDay > 0 {
		if r.usage.TotalTokens >= r.opts.MaxTokensPerDay {
			return 0, fmt.Errorf("%w: daily token limit exceeded", ErrRateLimited)
		}
		pct := r.usage.TotalTokens * 100 / r.opts.MaxTokensPerDay
		if r.opts.WarningThreshold > 0 && pct >= r.opts.WarningThreshold && !r.warned {
			r.warned = true
			r.opts.Logger.Warn("model usage approaching daily limit", "percent", pct, "total_tokens", r.usage.TotalTokens)
		}
	}
	if r.opts.MaxRequestsPerMinute > 0 {
		r.pruneLocked(now)
		if len(r.timestamps) >= r.opts.MaxRequestsPerMinute {
			wait := time.Minute - now.Sub(r.timestamps[0])
			if !r.opts.Wait {
				return 0, fmt.Errorf("%w: please wait %s", ErrRateLimited, wait.Round(time.Second))
			}
			return wait, nil
		}
		r.timestamps = append(r.timestamps, now)
	}
	r.calls++
	r.usage.Requests++
	return 0, nil
}

func (r *RateLimited) record(u TokenUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetDayLocked()
	r.usage.PromptTokens += u.PromptTokens
	r.usage.CompletionTokens += u.CompletionTokens
	r.usage.TotalTokens += u.TotalTokens
}

// Generate implements Model. Limit breaches are delivered on the error channel.
func (r *RateLimited) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		for {
			wait, err := r.acquire()
			if err != nil {
				errCh <- err
				return
			}
			if wait == 0 {
				break
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				errCh <- ctx.Err()
				return
			case <-t.C:
			}
		}

		respCh, innerErr := r.next.Generate(ctx, req)
		for respCh != nil || innerErr != nil {
			select {
			case resp, ok := <-respCh:
				if !ok {
					respCh = nil
					continue
				}
				if resp.Usage != nil {
					r.record(*resp.Usage)
				}
				select {
				case out <- resp:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			case err, ok := <-innerErr:
				if !ok {
					innerErr = nil
					continue
				}
				if err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	return out, errCh
}
