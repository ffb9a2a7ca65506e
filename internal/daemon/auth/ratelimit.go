// Copyright 2025 Tom Barlow
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

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client key. Idle buckets are
// evicted after an hour so the map does not grow without bound.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      float64
	burst    int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleTTL = time.Hour

// NewRateLimiter creates a limiter allowing rps requests per second
// with the given burst per client.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rps:      rps,
		burst:    burst,
	}
}

// Allow reports whether the client may proceed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cl, ok := r.limiters[key]
	if !ok {
		r.evictIdleLocked(now)
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(r.rps), r.burst)}
		r.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

// evictIdleLocked drops buckets idle past the TTL. Caller holds r.mu.
func (r *RateLimiter) evictIdleLocked(now time.Time) {
	for key, cl := range r.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleTTL {
			delete(r.limiters, key)
		}
	}
}
