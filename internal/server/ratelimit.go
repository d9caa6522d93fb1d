// Copyright 2025 The Paasd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per namespace.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (l *limiterSet) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

// prune drops buckets not used since before.
func (l *limiterSet) prune(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, e := range l.limiters {
		if e.seen.Before(before) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}
