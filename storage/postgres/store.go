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

// Package postgres implements the storage contract on PostgreSQL.
package postgres

import (
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openmerchant/openmerchant/amount"
	"github.com/openmerchant/openmerchant/otel/otelutil"
	"github.com/openmerchant/openmerchant/storage"
)

// uniqueViolation is the PostgreSQL error code raised when an insert
// hits a unique constraint.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS payments (
	transaction_id BIGINT PRIMARY KEY,
	contract_hash  BYTEA NOT NULL,
	total          TEXT NOT NULL,
	paid_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS coin_deposits (
	transaction_id BIGINT NOT NULL,
	coin_pub       TEXT NOT NULL,
	exchange       TEXT NOT NULL,
	amount         TEXT NOT NULL,
	proof          JSONB NOT NULL,
	deposited_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (transaction_id, coin_pub)
);
`

type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to PostgreSQL and ensures the schema exists.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if tracer := otelutil.NewPGXTracer(); tracer != nil {
		cfg.ConnConfig.Tracer = tracer
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool. Used by tests that manage
// their own database lifecycle.
func NewStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Payment(ctx context.Context, transactionID uint64) (*storage.PaymentRecord, error) {
	var (
		hash     []byte
		totalStr string
		paidAt   time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT contract_hash, total, paid_at FROM payments WHERE transaction_id = $1`,
		int64(transactionID),
	).Scan(&hash, &totalStr, &paidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	if len(hash) != sha512.Size {
		return nil, fmt.Errorf("stored contract hash has size %d", len(hash))
	}
	total, err := amount.Parse(totalStr)
	if err != nil {
		return nil, fmt.Errorf("stored total is unparseable: %w", err)
	}

	rec := &storage.PaymentRecord{
		TransactionID: transactionID,
		Total:         total,
		Paid:          true,
		PaidAt:        paidAt,
	}
	copy(rec.ContractHash[:], hash)
	return rec, nil
}

func (s *Store) StoreCoinDeposit(ctx context.Context, deposit storage.CoinDeposit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO coin_deposits (transaction_id, coin_pub, exchange, amount, proof, deposited_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(deposit.TransactionID),
		deposit.CoinPub,
		deposit.Exchange,
		deposit.Amount.String(),
		deposit.Proof,
		deposit.DepositedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrCoinAlreadyStored
		}
		return fmt.Errorf("failed to store coin deposit: %w", err)
	}
	return nil
}

func (s *Store) CoinDeposits(ctx context.Context, transactionID uint64) ([]storage.CoinDeposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT coin_pub, exchange, amount, proof, deposited_at
		 FROM coin_deposits WHERE transaction_id = $1 ORDER BY deposited_at`,
		int64(transactionID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query coin deposits: %w", err)
	}
	defer rows.Close()

	var out []storage.CoinDeposit
	for rows.Next() {
		d := storage.CoinDeposit{TransactionID: transactionID}
		var amountStr string
		if err := rows.Scan(&d.CoinPub, &d.Exchange, &amountStr, &d.Proof, &d.DepositedAt); err != nil {
			return nil, fmt.Errorf("failed to scan coin deposit: %w", err)
		}
		d.Amount, err = amount.Parse(amountStr)
		if err != nil {
			return nil, fmt.Errorf("stored amount is unparseable: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read coin deposits: %w", err)
	}
	return out, nil
}

func (s *Store) MarkPaid(ctx context.Context, record storage.PaymentRecord) error {
	paidAt := record.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payments (transaction_id, contract_hash, total, paid_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		int64(record.TransactionID),
		record.ContractHash[:],
		record.Total.String(),
		paidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// replay: the row exists, check it is the same contract
	existing, err := s.Payment(ctx, record.TransactionID)
	if err != nil {
		return err
	}
	if existing.ContractHash != record.ContractHash {
		return storage.ErrTransactionMismatch
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}
