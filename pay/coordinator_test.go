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

package pay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/openmerchant/openmerchant/events"
	"github.com/openmerchant/openmerchant/exchange"
	"github.com/openmerchant/openmerchant/exchange/exchangetest"
	"github.com/openmerchant/openmerchant/internal/test/merchanttest"
	"github.com/openmerchant/openmerchant/pay"
	"github.com/openmerchant/openmerchant/storage"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.PaymentSettled
}

func (r *eventRecorder) PublishPaymentSettled(_ context.Context, e events.PaymentSettled) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) Close() error { return nil }

func (r *eventRecorder) settled() []events.PaymentSettled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.PaymentSettled(nil), r.events...)
}

func newCoordinator(env *merchanttest.Env, publisher events.Publisher) *pay.Coordinator {
	return pay.NewCoordinator(pay.DefaultConfig(), env.Merchant, env.Directory, env.Store, publisher)
}

func exchangetestRejection() exchangetest.Rejection {
	return exchangetest.Rejection{
		StatusCode: http.StatusForbidden,
		Body:       `{"error":"insufficient funds","hint":"double spend"}`,
	}
}

func TestPaySucceeds(t *testing.T) {
	env := merchanttest.NewEnv(t)
	recorder := &eventRecorder{}
	coord := newCoordinator(env, recorder)

	req, coins := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 1,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})
	require.NoError(t, coord.Pay(t.Context(), req))

	rec, err := env.Store.Payment(t.Context(), 1)
	require.NoError(t, err)
	require.True(t, rec.Paid)

	deposits, err := env.Store.CoinDeposits(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, exchange.Encoding.EncodeToString(coins[0].Contribution.CoinPub), deposits[0].CoinPub)
	require.Contains(t, string(deposits[0].Proof), "DEPOSIT_OK")

	settled := recorder.settled()
	require.Len(t, settled, 1)
	require.Equal(t, uint64(1), settled[0].TransactionID)
	require.Equal(t, 1, settled[0].Coins)
}

func TestPayMultiCoinFees(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	// five 1-KUDOS coins, 0.05 total fee absorbed by max_fee
	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 2,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.05",
		Denoms:        []int{1, 1, 1, 1, 1},
	})
	require.NoError(t, coord.Pay(t.Context(), req))
	require.Equal(t, 5, env.Exchange.DepositCount())
}

func TestPayIdempotentReplay(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 3,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})
	require.NoError(t, coord.Pay(t.Context(), req))
	require.Equal(t, 1, env.Exchange.DepositCount())

	// the replay must not issue any deposit
	require.NoError(t, coord.Pay(t.Context(), req))
	require.Equal(t, 1, env.Exchange.DepositCount())
}

func TestPayReplayWithDifferentContract(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 4,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})
	require.NoError(t, coord.Pay(t.Context(), req))

	other, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 4,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})
	var clientErr *pay.ClientError
	require.ErrorAs(t, coord.Pay(t.Context(), other), &clientErr)
	require.Equal(t, http.StatusForbidden, clientErr.StatusCode)
}

func TestPayUnderpayment(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	t.Run("contribution below contract amount", func(t *testing.T) {
		req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
			TransactionID: 5,
			Total:         "KUDOS:6",
			MaxFee:        "KUDOS:0.01",
			Denoms:        []int{0}, // contributes 5
		})
		var clientErr *pay.ClientError
		require.ErrorAs(t, coord.Pay(t.Context(), req), &clientErr)
		require.Equal(t, http.StatusNotAcceptable, clientErr.StatusCode)
		require.Equal(t, 0, env.Exchange.DepositCount())
	})

	t.Run("fee not absorbed pushes total over contribution", func(t *testing.T) {
		req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
			TransactionID: 6,
			Total:         "KUDOS:5",
			MaxFee:        "KUDOS:0", // customer owes the 0.01 fee on top
			Denoms:        []int{0},
		})
		var clientErr *pay.ClientError
		require.ErrorAs(t, coord.Pay(t.Context(), req), &clientErr)
		require.Equal(t, http.StatusNotAcceptable, clientErr.StatusCode)
	})

	t.Run("fee fully absorbed succeeds", func(t *testing.T) {
		req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
			TransactionID: 7,
			Total:         "KUDOS:5",
			MaxFee:        "KUDOS:0.01",
			Denoms:        []int{0},
		})
		require.NoError(t, coord.Pay(t.Context(), req))
	})
}

func TestPayAtomicityOnRejectedCoin(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	req, coins := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 8,
		Total:         "KUDOS:3",
		MaxFee:        "KUDOS:0.03",
		Denoms:        []int{1, 1, 1},
	})
	env.Exchange.RejectCoin(coins[1].Contribution.CoinPub, exchangetestRejection())

	var rejected *pay.CoinRejectedError
	require.ErrorAs(t, coord.Pay(t.Context(), req), &rejected)
	require.Equal(t, exchange.Encoding.EncodeToString(coins[1].Contribution.CoinPub), rejected.CoinPub)
	require.Equal(t, http.StatusForbidden, rejected.StatusCode)
	require.JSONEq(t, `{"error":"insufficient funds","hint":"double spend"}`, string(rejected.Proof))

	// the transaction is not paid; deposits that got through stay
	// recorded for the retry
	_, err := env.Store.Payment(t.Context(), 8)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPayUnknownDenomination(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 9,
		Total:         "KUDOS:2",
		MaxFee:        "KUDOS:0.02",
		Denoms:        []int{1, 1},
	})
	req.Coins[1].DenomPub = "bogus-denomination"

	var clientErr *pay.ClientError
	require.ErrorAs(t, coord.Pay(t.Context(), req), &clientErr)
	require.Equal(t, http.StatusBadRequest, clientErr.StatusCode)
	require.Equal(t, "unknown denomination", clientErr.Msg)
	require.Contains(t, clientErr.Hint, "bogus-denomination")

	// no deposits were issued, not even for the valid coin
	require.Equal(t, 0, env.Exchange.DepositCount())
}

func TestPayBadMerchantSignature(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 10,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})
	req.TransactionID++ // signature no longer covers the request

	var clientErr *pay.ClientError
	require.ErrorAs(t, coord.Pay(t.Context(), req), &clientErr)
	require.Equal(t, http.StatusBadRequest, clientErr.StatusCode)
}

func TestPayUnknownExchange(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 11,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})
	req.Exchange = "nowhere"

	var clientErr *pay.ClientError
	require.ErrorAs(t, coord.Pay(t.Context(), req), &clientErr)
	require.Equal(t, http.StatusForbidden, clientErr.StatusCode)
	require.Equal(t, "exchange not supported", clientErr.Msg)
}

func TestPayUntrustedExchange(t *testing.T) {
	t.Run("no auditor", func(t *testing.T) {
		env := merchanttest.NewUntrustedEnv(t, nil)
		coord := newCoordinator(env, nil)

		req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
			TransactionID: 12,
			Total:         "KUDOS:5",
			MaxFee:        "KUDOS:0.01",
			Denoms:        []int{0},
		})
		var clientErr *pay.ClientError
		require.ErrorAs(t, coord.Pay(t.Context(), req), &clientErr)
		require.Equal(t, http.StatusForbidden, clientErr.StatusCode)
		require.Equal(t, 0, env.Exchange.DepositCount())
	})

	t.Run("vouching auditor", func(t *testing.T) {
		env := merchanttest.NewAuditedEnv(t)
		coord := newCoordinator(env, nil)

		req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
			TransactionID: 13,
			Total:         "KUDOS:5",
			MaxFee:        "KUDOS:0.01",
			Denoms:        []int{0},
		})
		require.NoError(t, coord.Pay(t.Context(), req))
	})
}

func TestPayTimeout(t *testing.T) {
	env := merchanttest.NewEnv(t)
	cfg := pay.DefaultConfig()
	cfg.DepositTimeout = 100 * time.Millisecond
	coord := pay.NewCoordinator(cfg, env.Merchant, env.Directory, env.Store, nil)

	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 14,
		Total:         "KUDOS:2",
		MaxFee:        "KUDOS:0.02",
		Denoms:        []int{1, 1},
	})

	env.Exchange.SetDepositDelay(5 * time.Second)
	err := coord.Pay(t.Context(), req)
	require.ErrorIs(t, err, pay.ErrUnavailable)
	require.Equal(t, 0, env.Exchange.DepositCount())

	// the same request goes through once the exchange recovers
	env.Exchange.SetDepositDelay(0)
	require.NoError(t, coord.Pay(t.Context(), req))
}

// slowPersistStore stalls coin persistence, giving up with the context
// error if the context dies before the stall elapses.
type slowPersistStore struct {
	storage.Store
	stall time.Duration
}

func (s *slowPersistStore) StoreCoinDeposit(ctx context.Context, d storage.CoinDeposit) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.stall):
	}
	return s.Store.StoreCoinDeposit(ctx, d)
}

func TestPayPersistsDepositPastDepositPhase(t *testing.T) {
	env := merchanttest.NewEnv(t)
	store := &slowPersistStore{Store: env.Store, stall: 300 * time.Millisecond}
	cfg := pay.DefaultConfig()
	cfg.DepositTimeout = 100 * time.Millisecond
	coord := pay.NewCoordinator(cfg, env.Merchant, env.Directory, store, nil)

	req, coins := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 16,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})

	// the exchange accepts the coin well within the deposit timeout but
	// persisting its proof takes longer. Recording an accepted deposit
	// must not be cut short when the deposit phase is cancelled, whether
	// by its timeout or by a rejected sibling coin.
	require.NoError(t, coord.Pay(t.Context(), req))

	deposits, err := env.Store.CoinDeposits(t.Context(), 16)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, exchange.Encoding.EncodeToString(coins[0].Contribution.CoinPub), deposits[0].CoinPub)
}

func TestPayRetrySkipsRecordedDeposits(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	req, coins := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 17,
		Total:         "KUDOS:2",
		MaxFee:        "KUDOS:0.02",
		Denoms:        []int{1, 1},
	})

	// the first coin's deposit is already on record, as after a payment
	// that failed halfway through
	require.NoError(t, env.Store.StoreCoinDeposit(t.Context(), storage.CoinDeposit{
		TransactionID: 17,
		CoinPub:       exchange.Encoding.EncodeToString(coins[0].Contribution.CoinPub),
		Exchange:      merchanttest.ExchangeName,
		Amount:        coins[0].Contribution.Amount,
		Proof:         json.RawMessage(`{"status":"DEPOSIT_OK"}`),
		DepositedAt:   time.Now(),
	}))

	require.NoError(t, coord.Pay(t.Context(), req))

	// only the missing coin went to the exchange
	require.Equal(t, 0, env.Exchange.DepositsFor(coins[0].Contribution.CoinPub))
	require.Equal(t, 1, env.Exchange.DepositsFor(coins[1].Contribution.CoinPub))

	deposits, err := env.Store.CoinDeposits(t.Context(), 17)
	require.NoError(t, err)
	require.Len(t, deposits, 2)
}

func TestIsPaid(t *testing.T) {
	env := merchanttest.NewEnv(t)
	coord := newCoordinator(env, nil)

	paid, err := coord.IsPaid(t.Context(), 15)
	require.NoError(t, err)
	require.False(t, paid)

	req, _ := env.NewPayRequest(t, merchanttest.RequestSpec{
		TransactionID: 15,
		Total:         "KUDOS:5",
		MaxFee:        "KUDOS:0.01",
		Denoms:        []int{0},
	})
	require.NoError(t, coord.Pay(t.Context(), req))

	paid, err = coord.IsPaid(t.Context(), 15)
	require.NoError(t, err)
	require.True(t, paid)
}
