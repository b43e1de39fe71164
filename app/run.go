// Copyright 2025 The OpenMerchant Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app runs long-lived services with graceful shutdown.
package app

import (
	"context"
	"log/slog"
	"time"
)

var shutdownGracePeriod = 30 * time.Second

// App is a long-running service. Shutdown must cause Run to return;
// if Run returns on its own, Shutdown is not called.
type App interface {
	Run() error
	Shutdown(ctx context.Context) error
}

// Run drives the app until it stops or ctx is cancelled, and returns
// a process exit code. On cancellation the app gets a graceful
// shutdown bounded by the grace period.
func Run(ctx context.Context, a App) int {
	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run()
	}()

	select {
	case err := <-runErr:
		if err != nil {
			slog.ErrorContext(ctx, "service failed", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down", "reason", context.Cause(ctx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	code := 0
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "failed to shut down gracefully", "error", err)
		code = 1
	}

	select {
	case err := <-runErr:
		if err != nil {
			slog.ErrorContext(ctx, "service failed during shutdown", "error", err)
			code = 1
		}
	case <-time.After(shutdownGracePeriod):
		slog.ErrorContext(ctx, "service did not stop within the grace period")
		code = 1
	}
	return code
}
