// Copyright 2024 The Asterinas Authors.
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

package log

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimited wraps a Logger and drops statements beyond the configured
// rate. All three levels draw from the same token bucket: the point is to
// bound total console traffic from a hot path, not to ration per level.
type rateLimited struct {
	inner  Logger
	bucket *rate.Limiter
}

func (rl *rateLimited) allow() bool {
	return rl.bucket.Allow()
}

func (rl *rateLimited) Debugf(format string, v ...any) {
	if rl.allow() {
		rl.inner.Debugf(format, v...)
	}
}

func (rl *rateLimited) Infof(format string, v ...any) {
	if rl.allow() {
		rl.inner.Infof(format, v...)
	}
}

func (rl *rateLimited) Warningf(format string, v ...any) {
	if rl.allow() {
		rl.inner.Warningf(format, v...)
	}
}

// IsLogging reports the underlying logger's level; a statement that passes
// this check may still be dropped by the limiter.
func (rl *rateLimited) IsLogging(level Level) bool {
	return rl.inner.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration. Fault handlers use this so a task
// stuck in a fault loop cannot flood the console.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimited{
		inner:  logger,
		bucket: rate.NewLimiter(rate.Every(every), 1),
	}
}
