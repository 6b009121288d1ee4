/*
Copyright 2024 OneClick Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a duration. Used
// to randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewUniformJitter returns a jitter that adds a uniformly random
// duration on the range [0,window) to its input. A zero window returns
// the input unchanged.
func NewUniformJitter(window time.Duration) Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if window < 1 {
			return d
		}
		mu.Lock()
		defer mu.Unlock()
		return d + time.Duration(rng.Int63n(int64(window)))
	}
}

// NewHalfJitter returns a jitter on the range [n/2,n). Suitable for
// periodic operations where breaking retry cycles quickly is a
// priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state
	Reset()
	// Inc increments retry attempt
	Inc()
	// Duration returns retry duration,
	// could be 0
	Duration() time.Duration
	// After returns time.Time channel
	// that fires after Duration delay,
	// could fire right away if Duration is 0
	After() <-chan time.Time
	// Clone creates a copy of this retry in a
	// reset state.
	Clone() Retry
}

// LinearConfig sets up retry configuration
// using arithmetic progression.
type LinearConfig struct {
	// First is a first element of the progression,
	// could be 0
	First time.Duration
	// Step is a step of the progression, can't be 0
	Step time.Duration
	// Max is a maximum value of the progression,
	// can't be 0
	Max time.Duration
	// Jitter is an optional jitter function to be applied
	// to the delay. Note that supplying a jitter means that
	// successive calls to Duration may return different results.
	Jitter Jitter
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new instance of linear retry.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// Linear is used to calculate retry period that grows by a fixed step
// with every attempt. The first attempt is not delayed when First is
// zero.
type Linear struct {
	// LinearConfig is a linear retry config
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets retry period to initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Linear with fresh state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Inc increments attempt counter.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns retry duration based on state.
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns a channel that fires after the Duration delay. As a
// special case, a zero duration returns a closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the Linear retry.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// ExponentialConfig sets up an exponential backoff with a bounded
// attempt budget.
type ExponentialConfig struct {
	// Base is the first non-zero delay of the progression, can't be 0.
	Base time.Duration
	// Max caps the progression, can't be 0.
	Max time.Duration
	// JitterWindow is the width of the uniform jitter added on top of
	// the capped delay. Zero disables jitter.
	JitterWindow time.Duration
	// MaxAttempts is the retry budget. Zero means unbounded.
	MaxAttempts int
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base == 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newExponential(cfg), nil
}

func newExponential(cfg ExponentialConfig) *Exponential {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{
		ExponentialConfig: cfg,
		jitter:            NewUniformJitter(cfg.JitterWindow),
		closedChan:        closedChan,
	}
}

// Exponential computes retry delays that double with every spent
// attempt up to Max, with uniform jitter on top. The first retry is not
// delayed beyond jitter so that an immediate retry after a first
// failure is honored.
type Exponential struct {
	// ExponentialConfig is the exponential retry config
	ExponentialConfig
	jitter     Jitter
	attempt    int
	closedChan chan time.Time
}

// Reset resets the attempt counter, typically after a successful load.
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Exponential with fresh state.
func (r *Exponential) Clone() Retry {
	return newExponential(r.ExponentialConfig)
}

// Inc marks one attempt as spent.
func (r *Exponential) Inc() {
	r.attempt++
}

// Attempt returns the number of attempts spent so far.
func (r *Exponential) Attempt() int {
	return r.attempt
}

// AttemptsLeft returns the remaining retry budget, or -1 when the
// budget is unbounded.
func (r *Exponential) AttemptsLeft() int {
	if r.MaxAttempts == 0 {
		return -1
	}
	if left := r.MaxAttempts - r.attempt; left > 0 {
		return left
	}
	return 0
}

// Exhausted reports whether the attempt budget has been spent. Further
// retries must be refused and the error treated as terminal.
func (r *Exponential) Exhausted() bool {
	return r.MaxAttempts != 0 && r.attempt >= r.MaxAttempts
}

// Duration returns the delay before the next attempt: zero for the
// first retry, then min(Base<<(n-1), Max) plus uniform jitter.
func (r *Exponential) Duration() time.Duration {
	if r.attempt < 1 {
		return 0
	}
	d := r.Base << (r.attempt - 1)
	// the shift overflows past ~63 doublings, treat as capped
	if d < r.Base || d > r.Max {
		d = r.Max
	}
	return r.jitter(d)
}

// After returns a channel that fires after the Duration delay. As a
// special case, a zero duration returns a closed channel.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the Exponential retry.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, base=%v, max=%v)", r.attempt, r.Base, r.Max)
}
