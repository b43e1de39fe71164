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

// Package inmem implements the storage contract in memory, for tests
// and local development.
package inmem

import (
	"context"
	"sync"

	"github.com/openmerchant/openmerchant/storage"
)

type Store struct {
	mu       sync.Mutex
	payments map[uint64]*storage.PaymentRecord
	deposits map[uint64][]storage.CoinDeposit
}

func NewStore() *Store {
	return &Store{
		payments: make(map[uint64]*storage.PaymentRecord),
		deposits: make(map[uint64][]storage.CoinDeposit),
	}
}

func (s *Store) Payment(ctx context.Context, transactionID uint64) (*storage.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.payments[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *Store) StoreCoinDeposit(ctx context.Context, deposit storage.CoinDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.deposits[deposit.TransactionID] {
		if d.CoinPub == deposit.CoinPub {
			return storage.ErrCoinAlreadyStored
		}
	}
	s.deposits[deposit.TransactionID] = append(s.deposits[deposit.TransactionID], deposit)
	return nil
}

func (s *Store) CoinDeposits(ctx context.Context, transactionID uint64) ([]storage.CoinDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.CoinDeposit, len(s.deposits[transactionID]))
	copy(out, s.deposits[transactionID])
	return out, nil
}

func (s *Store) MarkPaid(ctx context.Context, record storage.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payments[record.TransactionID]; ok {
		if existing.ContractHash != record.ContractHash {
			return storage.ErrTransactionMismatch
		}
		// idempotent replay keeps the original timestamp
		return nil
	}
	rec := record
	rec.Paid = true
	s.payments[record.TransactionID] = &rec
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}
