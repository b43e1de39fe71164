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

// Package pay implements the merchant's payment state machine.
//
// A payment request carries a set of coins that together cover the
// contract amount plus any deposit fees above what the merchant
// absorbs. The coordinator validates every coin, deposits all of them
// at the issuing exchange concurrently and records the outcome. A
// payment is atomic across its coins: one rejected coin aborts the
// deposits of all siblings and fails the whole payment. Deposits that
// did succeed stay persisted, so a retry of the same payment does not
// deposit those coins twice.
package pay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	openmerchant "github.com/openmerchant/openmerchant"
	"github.com/openmerchant/openmerchant/amount"
	"github.com/openmerchant/openmerchant/coin"
	"github.com/openmerchant/openmerchant/events"
	"github.com/openmerchant/openmerchant/exchange"
	"github.com/openmerchant/openmerchant/otel/otelutil"
	"github.com/openmerchant/openmerchant/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the payment coordinator.
type Config struct {
	// DepositTimeout bounds the whole deposit phase of one payment.
	DepositTimeout time.Duration `yaml:"deposit_timeout"`
}

func DefaultConfig() Config {
	return Config{
		DepositTimeout: 30 * time.Second,
	}
}

// Coordinator drives payment requests to a terminal outcome. Safe for
// concurrent use; each request runs independently.
type Coordinator struct {
	cfg       Config
	merchant  *openmerchant.MerchantContext
	directory *exchange.Directory
	store     storage.Store
	events    events.Publisher
}

// NewCoordinator wires the coordinator. A nil publisher disables
// settlement events.
func NewCoordinator(cfg Config, mc *openmerchant.MerchantContext, directory *exchange.Directory, store storage.Store, publisher events.Publisher) *Coordinator {
	if cfg.DepositTimeout <= 0 {
		cfg.DepositTimeout = DefaultConfig().DepositTimeout
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Coordinator{
		cfg:       cfg,
		merchant:  mc,
		directory: directory,
		store:     store,
		events:    publisher,
	}
}

// Pay runs one payment request to its terminal state. A nil return
// means the payment is complete, including the idempotent replay of an
// already-paid transaction. Any other outcome is a *ClientError, a
// *CoinRejectedError or an error wrapping ErrUnavailable.
func (c *Coordinator) Pay(ctx context.Context, req *Request) error {
	ctx, span := otelutil.Tracer.Start(ctx, "pay.Coordinator.Pay",
		trace.WithAttributes(attribute.Int64("transaction_id", int64(req.TransactionID))))
	defer span.End()

	p, err := req.parse(c.merchant)
	if err != nil {
		return otelutil.RecordError(span, err)
	}

	paid, err := c.alreadyPaid(ctx, p)
	if err != nil {
		return otelutil.RecordError(span, err)
	}
	if paid {
		slog.InfoContext(ctx, "replayed already-paid transaction",
			"transaction_id", p.transactionID)
		return nil
	}

	handle, err := c.resolveExchange(ctx, p)
	if err != nil {
		return otelutil.RecordError(span, err)
	}

	if err := c.validate(time.Now(), p, handle); err != nil {
		return otelutil.RecordError(span, err)
	}

	if err := c.depositAll(ctx, p, handle); err != nil {
		return otelutil.RecordError(span, err)
	}

	if err := c.settle(ctx, p); err != nil {
		return otelutil.RecordError(span, err)
	}

	slog.InfoContext(ctx, "payment completed",
		"transaction_id", p.transactionID,
		"exchange", p.exchangeName,
		"coins", len(p.coins),
		"total", p.total.String())
	return nil
}

// alreadyPaid implements the idempotence short-circuit: a transaction
// the store already marks as paid succeeds again without touching the
// exchange.
func (c *Coordinator) alreadyPaid(ctx context.Context, p *payment) (bool, error) {
	rec, err := c.store.Payment(ctx, p.transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if rec.ContractHash != p.contractHash {
		return false, &ClientError{
			StatusCode: 403,
			Msg:        "transaction already paid for a different contract",
		}
	}
	return true, nil
}

func (c *Coordinator) resolveExchange(ctx context.Context, p *payment) (*exchange.Handle, error) {
	handle, err := c.directory.Find(ctx, p.exchangeName)
	if err != nil {
		if errors.Is(err, exchange.ErrNotConfigured) {
			return nil, errExchangeNotSupported(p.exchangeName)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if handle.Keys.Currency != c.merchant.Currency {
		return nil, errExchangeNotSupported(
			fmt.Sprintf("exchange operates in %s, not %s", handle.Keys.Currency, c.merchant.Currency))
	}
	return handle, nil
}

// validate checks every coin against the exchange's key set and runs
// the aggregate fee rule. No deposits are issued when any coin fails.
func (c *Coordinator) validate(now time.Time, p *payment, handle *exchange.Handle) error {
	// the merchant currency was validated at startup
	totalFee, err := amount.Zero(c.merchant.Currency)
	if err != nil {
		return err
	}
	contributed := totalFee

	for _, cn := range p.coins {
		coinPub := exchange.Encoding.EncodeToString(cn.CoinPub)

		dk, err := handle.Keys.Denomination(cn.DenomPub)
		if err != nil {
			return badRequest("unknown denomination", cn.DenomPub)
		}
		if !dk.DepositableAt(now) {
			return badRequest("denomination expired", cn.DenomPub)
		}
		if err := handle.CheckCoinDenomination(dk); err != nil {
			return errExchangeNotSupported(
				fmt.Sprintf("denomination %s is not vouched for by a trusted auditor", cn.DenomPub))
		}
		if err := dk.VerifyCoin(cn.CoinPub, cn.UbSig); err != nil {
			return &ClientError{StatusCode: 401, Msg: "invalid coin", Hint: coinPub}
		}
		perm := p.permissionFor(cn)
		if err := perm.Verify(cn.CoinPub, cn.CoinSig); err != nil {
			return &ClientError{StatusCode: 401, Msg: "invalid coin signature", Hint: coinPub}
		}
		if _, err := cn.Amount.SubtractFee(dk.FeeDeposit); err != nil {
			return badRequest("deposit fee exceeds coin contribution", coinPub)
		}

		totalFee, err = totalFee.Add(dk.FeeDeposit)
		if err != nil {
			return badRequest("fee overflow", err.Error())
		}
		contributed, err = contributed.Add(cn.Amount)
		if err != nil {
			return badRequest("amount overflow", err.Error())
		}
	}

	// the customer covers the contract amount plus whatever part of
	// the deposit fees the merchant does not absorb
	required := p.total
	if totalFee.Cmp(p.maxFee) > 0 {
		excess, err := totalFee.Subtract(p.maxFee)
		if err != nil {
			return badRequest("fee overflow", err.Error())
		}
		required, err = required.Add(excess)
		if err != nil {
			return badRequest("amount overflow", err.Error())
		}
	}
	if contributed.Cmp(required) < 0 {
		return errInsufficientFunds
	}
	return nil
}

// depositAll runs one deposit per coin concurrently. The first failing
// coin cancels its siblings through the shared context; successful
// deposits are persisted the moment they complete so partial progress
// survives a crash or an abort. Coins already recorded for this
// transaction are left alone, so a retried payment never deposits a
// coin twice.
func (c *Coordinator) depositAll(ctx context.Context, p *payment, handle *exchange.Handle) error {
	recorded, err := c.store.CoinDeposits(ctx, p.transactionID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	deposited := make(map[string]bool, len(recorded))
	for _, d := range recorded {
		deposited[d.CoinPub] = true
	}

	pending := make([]*coin.Contribution, 0, len(p.coins))
	for _, cn := range p.coins {
		if deposited[exchange.Encoding.EncodeToString(cn.CoinPub)] {
			continue
		}
		pending = append(pending, cn)
	}
	if skipped := len(p.coins) - len(pending); skipped > 0 {
		slog.InfoContext(ctx, "retried payment skips recorded deposits",
			"transaction_id", p.transactionID, "skipped", skipped)
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, c.cfg.DepositTimeout)
	defer cancelTimeout()
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	done := make(chan error, len(pending))
	for _, cn := range pending {
		go func(cn *coin.Contribution) {
			err := c.depositCoin(ctx, p, handle, cn)
			if err != nil {
				abort(err)
			}
			done <- err
		}(cn)
	}

	var failed bool
	for range pending {
		if err := <-done; err != nil {
			failed = true
		}
	}
	if !failed {
		return nil
	}

	// the abort cause is the root failure; sibling errors are noise
	// from the cancellation it triggered
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: deposits did not complete within %s", ErrUnavailable, c.cfg.DepositTimeout)
	case errors.Is(cause, context.Canceled):
		return fmt.Errorf("%w: request cancelled", ErrUnavailable)
	default:
		return cause
	}
}

func (c *Coordinator) depositCoin(ctx context.Context, p *payment, handle *exchange.Handle, cn *coin.Contribution) error {
	coinPub := exchange.Encoding.EncodeToString(cn.CoinPub)

	perm := p.permissionFor(cn)
	result, err := handle.Client.Deposit(ctx, cn, &perm)
	if err != nil {
		var rejected *exchange.CoinRejectedError
		switch {
		case errors.As(err, &rejected):
			return &CoinRejectedError{
				CoinPub:    coinPub,
				StatusCode: rejected.StatusCode,
				Proof:      rejected.Proof,
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	deposit := storage.CoinDeposit{
		TransactionID: p.transactionID,
		CoinPub:       coinPub,
		Exchange:      handle.Client.Name(),
		Amount:        cn.Amount,
		Proof:         result.Proof,
		DepositedAt:   time.Now(),
	}
	// the exchange accepted this coin; its proof must be recorded even
	// when a sibling coin aborts the payment, so persistence runs on a
	// context detached from the deposit cancellation
	persistCtx := context.WithoutCancel(ctx)
	err = backoff.Retry(func() error {
		err := c.store.StoreCoinDeposit(persistCtx, deposit)
		if errors.Is(err, storage.ErrCoinAlreadyStored) {
			// concurrent retries of the same payment can race to record
			// the same coin
			return nil
		}
		return err
	}, backoff.WithContext(newPersistBackOff(), persistCtx))
	if err != nil {
		return fmt.Errorf("%w: failed to persist coin deposit: %w", ErrUnavailable, err)
	}
	return nil
}

// settle marks the transaction paid and announces it. Event publishing
// is best effort; the payment already happened.
func (c *Coordinator) settle(ctx context.Context, p *payment) error {
	record := storage.PaymentRecord{
		TransactionID: p.transactionID,
		ContractHash:  p.contractHash,
		Total:         p.total,
		PaidAt:        time.Now(),
	}
	err := backoff.Retry(func() error {
		err := c.store.MarkPaid(ctx, record)
		if errors.Is(err, storage.ErrTransactionMismatch) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newPersistBackOff(), ctx))
	if err != nil {
		if errors.Is(err, storage.ErrTransactionMismatch) {
			return &ClientError{
				StatusCode: 403,
				Msg:        "transaction already paid for a different contract",
			}
		}
		return fmt.Errorf("%w: failed to mark payment: %w", ErrUnavailable, err)
	}

	event := events.PaymentSettled{
		EventID:       uuid.New(),
		TransactionID: p.transactionID,
		ContractHash:  exchange.Encoding.EncodeToString(p.contractHash[:]),
		Total:         p.total,
		Coins:         len(p.coins),
		SettledAt:     record.PaidAt,
	}
	if err := c.events.PublishPaymentSettled(ctx, event); err != nil {
		slog.WarnContext(ctx, "failed to publish settlement event",
			"transaction_id", p.transactionID, "error", err)
	}
	return nil
}

// IsPaid reports whether a transaction is fully paid. Serves the
// payment status endpoint.
func (c *Coordinator) IsPaid(ctx context.Context, transactionID uint64) (bool, error) {
	_, err := c.store.Payment(ctx, transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return true, nil
}

func newPersistBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}
