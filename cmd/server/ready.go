// Copyright (c) 2026 John Earle
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

package main

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bcem/newspod/internal/cache"
)

// dependency is a backing service /ready checks.
type dependency struct {
	name string
	ping func(ctx context.Context) error
}

// readyHandler reports unhealthy on the first failing dependency, otherwise
// healthy with the content cache's lookup counters.
func readyHandler(deps []dependency, stats func() cache.Stats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		for _, d := range deps {
			if err := d.ping(ctx); err != nil {
				return c.String(http.StatusServiceUnavailable, d.name+" unhealthy")
			}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status": "healthy",
			"cache":  stats(),
		})
	}
}
