// Copyright 2024 The roOs Authors.
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

// RateLimited is a Logger that drops statements past its rate. The kernel
// wraps failure paths that can fire on every wake scan with it, so a wedged
// thread cannot flood the log.
type RateLimited struct {
	logger Logger
	limit  *rate.Limiter
}

// NewRateLimited wraps logger so that at most one statement per interval is
// emitted. A nil logger wraps the process-global logger.
func NewRateLimited(logger Logger, interval time.Duration) *RateLimited {
	if logger == nil {
		logger = Log()
	}
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Debugf implements Logger.Debugf.
func (rl *RateLimited) Debugf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (rl *RateLimited) Infof(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (rl *RateLimited) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *RateLimited) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}
