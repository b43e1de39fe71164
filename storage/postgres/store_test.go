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

package postgres

import (
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openmerchant/openmerchant/storage"
	"github.com/openmerchant/openmerchant/storage/testcontract"
	"github.com/stretchr/testify/require"
)

// TestStore runs the storage contract against a real database. Set
// TEST_DATABASE_URL to run it; each setup call gets its own schema so
// subtests do not interfere.
func TestStore(t *testing.T) {
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	testcontract.TestStoreContract(t, func(t *testing.T) storage.Store {
		cfg, err := pgxpool.ParseConfig(connString)
		require.NoError(t, err)

		schemaName := "test_" + uuid.NewString()[:8]
		setupPool, err := pgxpool.NewWithConfig(t.Context(), cfg)
		require.NoError(t, err)
		_, err = setupPool.Exec(t.Context(), fmt.Sprintf("CREATE SCHEMA %s", schemaName))
		require.NoError(t, err)
		setupPool.Close()

		// every connection of the pool works inside the test schema
		cfg.ConnConfig.RuntimeParams["search_path"] = schemaName
		pool, err := pgxpool.NewWithConfig(t.Context(), cfg)
		require.NoError(t, err)

		store, err := NewStoreFromPool(t.Context(), pool)
		require.NoError(t, err)
		t.Cleanup(func() {
			pool.Close()
		})
		return store
	})
}
