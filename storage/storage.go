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

// Package storage defines the merchant's persistence contract. The
// payment coordinator records every successful coin deposit the moment
// the exchange confirms it and marks the transaction paid once all
// coins are through, so a crash between the two never loses a deposit.
package storage

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"time"

	"github.com/openmerchant/openmerchant/amount"
)

var (
	// ErrNotFound indicates no record exists for the transaction.
	ErrNotFound = errors.New("transaction not found")

	// ErrCoinAlreadyStored indicates a deposit of the same coin for the
	// same transaction was already recorded. Callers treat this as
	// success; it happens when a payment is retried after a partial
	// failure.
	ErrCoinAlreadyStored = errors.New("coin deposit already recorded")

	// ErrTransactionMismatch indicates the transaction identifier is
	// already bound to a different contract.
	ErrTransactionMismatch = errors.New("transaction bound to a different contract")
)

// CoinDeposit is one confirmed coin deposit. Proof is the exchange's
// raw confirmation body, kept verbatim so the merchant can later prove
// the deposit to the exchange's auditor.
type CoinDeposit struct {
	TransactionID uint64
	// CoinPub is the base64url coin public key.
	CoinPub     string
	Exchange    string
	Amount      amount.Amount
	Proof       json.RawMessage
	DepositedAt time.Time
}

// PaymentRecord is the durable state of one transaction.
type PaymentRecord struct {
	TransactionID uint64
	// ContractHash is the SHA-512 hash of the contract terms the
	// transaction pays for.
	ContractHash [sha512.Size]byte
	Total         amount.Amount
	// Paid is set once every coin of the payment was deposited.
	Paid   bool
	PaidAt time.Time
}

// Store is the persistence contract of the payment coordinator.
//
// StoreCoinDeposit must be atomic per coin and reject duplicates of
// the same (transaction, coin) pair with ErrCoinAlreadyStored, even
// under concurrent writers. MarkPaid must be idempotent for the same
// transaction and contract hash and return ErrTransactionMismatch when
// the identifier is already bound to a different contract.
type Store interface {
	// Payment returns the record for a transaction, ErrNotFound if the
	// merchant has never seen it.
	Payment(ctx context.Context, transactionID uint64) (*PaymentRecord, error)

	// StoreCoinDeposit records one confirmed deposit.
	StoreCoinDeposit(ctx context.Context, deposit CoinDeposit) error

	// CoinDeposits returns the recorded deposits of a transaction. A
	// retried payment uses them to skip coins it already deposited.
	CoinDeposits(ctx context.Context, transactionID uint64) ([]CoinDeposit, error)

	// MarkPaid records that the transaction is fully paid.
	MarkPaid(ctx context.Context, record PaymentRecord) error

	// Close releases the store's resources.
	Close(ctx context.Context) error
}
