// Copyright 2025 Kadir Pekel
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

package llm

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/loco/pkg/session"
)

// RefreshModels lists the backend's models and refreshes the store's
// cache. On backend failure the cached list is returned so the UI can
// still offer model selection offline.
func RefreshModels(ctx context.Context, backend ChatBackend, store session.Store) ([]string, error) {
	models, err := backend.ListModels(ctx)
	if err != nil {
		slog.Warn("Model listing failed, serving cached models", "error", err)
		return store.GetCachedModels(ctx)
	}

	if err := store.UpsertModels(ctx, models); err != nil {
		slog.Warn("Failed to refresh model cache", "error", err)
	}
	return models, nil
}
