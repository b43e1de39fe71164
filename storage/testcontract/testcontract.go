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

// Package testcontract verifies implementations of the storage
// contract. Every store implementation runs the same suite.
package testcontract

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/openmerchant/openmerchant/amount"
	"github.com/openmerchant/openmerchant/storage"
	"github.com/stretchr/testify/require"
)

type SetupFunc func(t *testing.T) storage.Store

func TestStoreContract(t *testing.T, setup SetupFunc) {
	t.Run("Payments", func(t *testing.T) {
		RunPaymentTests(t, setup)
	})
	t.Run("CoinDeposits", func(t *testing.T) {
		RunCoinDepositTests(t, setup)
	})
}

func randomHash(t *testing.T) [sha512.Size]byte {
	t.Helper()
	var h [sha512.Size]byte
	_, err := rand.Read(h[:])
	require.NoError(t, err)
	return h
}

func testDeposit(transactionID uint64, coinPub string) storage.CoinDeposit {
	return storage.CoinDeposit{
		TransactionID: transactionID,
		CoinPub:       coinPub,
		Exchange:      "testexchange",
		Amount:        amount.MustParse("EUR:1"),
		Proof:         json.RawMessage(`{"status":"DEPOSIT_OK"}`),
		DepositedAt:   time.Now().Truncate(time.Microsecond),
	}
}

func RunPaymentTests(t *testing.T, setup SetupFunc) {
	t.Run("unknown transaction", func(t *testing.T) {
		store := setup(t)
		_, err := store.Payment(t.Context(), 404)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("mark paid and read back", func(t *testing.T) {
		store := setup(t)
		rec := storage.PaymentRecord{
			TransactionID: 1,
			ContractHash:  randomHash(t),
			Total:         amount.MustParse("EUR:5"),
			PaidAt:        time.Now().Truncate(time.Microsecond),
		}
		require.NoError(t, store.MarkPaid(t.Context(), rec))

		got, err := store.Payment(t.Context(), 1)
		require.NoError(t, err)
		require.True(t, got.Paid)
		require.Equal(t, rec.ContractHash, got.ContractHash)
		require.Equal(t, 0, rec.Total.Cmp(got.Total))
	})

	t.Run("mark paid is idempotent", func(t *testing.T) {
		store := setup(t)
		rec := storage.PaymentRecord{
			TransactionID: 2,
			ContractHash:  randomHash(t),
			Total:         amount.MustParse("EUR:5"),
			PaidAt:        time.Now(),
		}
		require.NoError(t, store.MarkPaid(t.Context(), rec))
		require.NoError(t, store.MarkPaid(t.Context(), rec))
	})

	t.Run("transaction id bound to different contract", func(t *testing.T) {
		store := setup(t)
		rec := storage.PaymentRecord{
			TransactionID: 3,
			ContractHash:  randomHash(t),
			Total:         amount.MustParse("EUR:5"),
			PaidAt:        time.Now(),
		}
		require.NoError(t, store.MarkPaid(t.Context(), rec))

		rec.ContractHash = randomHash(t)
		require.ErrorIs(t, store.MarkPaid(t.Context(), rec), storage.ErrTransactionMismatch)
	})
}

func RunCoinDepositTests(t *testing.T, setup SetupFunc) {
	t.Run("store and list", func(t *testing.T) {
		store := setup(t)
		require.NoError(t, store.StoreCoinDeposit(t.Context(), testDeposit(10, "coin-a")))
		require.NoError(t, store.StoreCoinDeposit(t.Context(), testDeposit(10, "coin-b")))
		require.NoError(t, store.StoreCoinDeposit(t.Context(), testDeposit(11, "coin-a")))

		deposits, err := store.CoinDeposits(t.Context(), 10)
		require.NoError(t, err)
		require.Len(t, deposits, 2)
		for _, d := range deposits {
			require.Equal(t, uint64(10), d.TransactionID)
			require.JSONEq(t, `{"status":"DEPOSIT_OK"}`, string(d.Proof))
		}
	})

	t.Run("no deposits", func(t *testing.T) {
		store := setup(t)
		deposits, err := store.CoinDeposits(t.Context(), 999)
		require.NoError(t, err)
		require.Empty(t, deposits)
	})

	t.Run("duplicate coin rejected", func(t *testing.T) {
		store := setup(t)
		require.NoError(t, store.StoreCoinDeposit(t.Context(), testDeposit(20, "coin-a")))
		err := store.StoreCoinDeposit(t.Context(), testDeposit(20, "coin-a"))
		require.ErrorIs(t, err, storage.ErrCoinAlreadyStored)
	})

	t.Run("duplicate coin rejected under concurrency", func(t *testing.T) {
		store := setup(t)

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = store.StoreCoinDeposit(t.Context(), testDeposit(30, "coin-a"))
			}()
		}
		wg.Wait()

		var ok, dup int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			default:
				require.ErrorIs(t, err, storage.ErrCoinAlreadyStored)
				dup++
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, writers-1, dup)
	})
}
