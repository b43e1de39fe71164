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

// Package events publishes merchant business events to a message
// broker. Settlement events let order fulfillment and bookkeeping
// react to completed payments without polling the merchant database.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/openmerchant/openmerchant/amount"
)

// PaymentSettled is emitted once per transaction, after every coin of
// the payment was deposited and the transaction was marked paid.
type PaymentSettled struct {
	EventID       uuid.UUID     `json:"event_id"`
	TransactionID uint64        `json:"transaction_id"`
	ContractHash  string        `json:"contract_hash"`
	Total         amount.Amount `json:"total"`
	Coins         int           `json:"coins"`
	SettledAt     time.Time     `json:"settled_at"`
}

// Publisher emits merchant events. Publishing is best effort: the
// payment coordinator logs failures but never fails a payment over
// them.
type Publisher interface {
	PublishPaymentSettled(ctx context.Context, event PaymentSettled) error
	Close() error
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishPaymentSettled(context.Context, PaymentSettled) error { return nil }

func (NoopPublisher) Close() error { return nil }
