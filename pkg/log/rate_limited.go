// Copyright 2024 The gVisor Authors.
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

// rateLimitedLogger forwards to logger while limit allows it and drops the
// message otherwise. Messages are attributed to the caller of the
// rateLimitedLogger method.
type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.DebugfAtDepth(1, format, v...)
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.InfofAtDepth(1, format, v...)
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.WarningfAtDepth(1, format, v...)
}

func (rl *rateLimitedLogger) DebugfAtDepth(depth int, format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.DebugfAtDepth(1+depth, format, v...)
	}
}

func (rl *rateLimitedLogger) InfofAtDepth(depth int, format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.InfofAtDepth(1+depth, format, v...)
	}
}

func (rl *rateLimitedLogger) WarningfAtDepth(depth int, format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.WarningfAtDepth(1+depth, format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger at
// most once per every.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to logger at most once per
// every, with a burst of one.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
