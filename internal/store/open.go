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

package store

import (
	"context"
	"fmt"

	"github.com/redi/triage/internal/config"
)

// Open connects the backend named by cfg.Driver. Postgres migrations are
// applied before the pool is returned. Database backends retry transient
// save failures cfg.SaveRetries times.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		if err := Migrate(cfg.URL); err != nil {
			return nil, err
		}
		pg, err := OpenPostgres(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return withRetries(pg, cfg.SaveRetries), nil
	case "sqlite":
		lite, err := OpenSQLite(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return withRetries(lite, cfg.SaveRetries), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func withRetries(s Store, retries int) Store {
	if retries <= 0 {
		return s
	}
	return WithRetry(s, retries, defaultRetryBase)
}
