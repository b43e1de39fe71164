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

// Package merchanttest wires a complete merchant test environment: an
// ephemeral merchant identity, an in-memory exchange behind httptest
// and an in-memory store, plus helpers to build signed payment
// requests the way a wallet would.
package merchanttest

import (
	"crypto/rand"
	"crypto/sha512"
	"net/http/httptest"
	"testing"
	"time"

	openmerchant "github.com/openmerchant/openmerchant"
	"github.com/openmerchant/openmerchant/amount"
	"github.com/openmerchant/openmerchant/coin"
	"github.com/openmerchant/openmerchant/exchange"
	"github.com/openmerchant/openmerchant/exchange/exchangetest"
	"github.com/openmerchant/openmerchant/pay"
	"github.com/openmerchant/openmerchant/storage/inmem"
	"github.com/stretchr/testify/require"
)

const (
	Currency     = "KUDOS"
	ExchangeName = "kudos-exchange"
)

// Env is a fully wired merchant test environment.
type Env struct {
	Merchant  *openmerchant.MerchantContext
	Exchange  *exchangetest.Exchange
	Server    *httptest.Server
	Directory *exchange.Directory
	Store     *inmem.Store
}

// NewEnv builds the environment. The fake exchange has a KUDOS:5 and a
// KUDOS:1 denomination, each with a KUDOS:0.01 deposit fee, and is in
// the merchant's trust list.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	return newEnv(t, true, func(*exchangetest.Exchange) []string { return nil })
}

// NewUntrustedEnv builds an environment whose exchange is configured
// but not trusted, with the given auditor keys.
func NewUntrustedEnv(t *testing.T, auditors []string) *Env {
	t.Helper()
	return newEnv(t, false, func(*exchangetest.Exchange) []string { return auditors })
}

// NewAuditedEnv builds an environment whose exchange is not trusted
// directly but whose auditor is in the merchant's auditor list.
func NewAuditedEnv(t *testing.T) *Env {
	t.Helper()
	return newEnv(t, false, func(fake *exchangetest.Exchange) []string {
		return []string{fake.AuditorPub()}
	})
}

func newEnv(t *testing.T, trusted bool, auditorsOf func(*exchangetest.Exchange) []string) *Env {
	t.Helper()

	mc, err := openmerchant.NewEphemeralMerchantContext(Currency)
	require.NoError(t, err)

	fake := exchangetest.MustNew(Currency, []exchangetest.DenomSpec{
		{Value: "KUDOS:5", FeeDeposit: "KUDOS:0.01"},
		{Value: "KUDOS:1", FeeDeposit: "KUDOS:0.01"},
	})
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	cfg := exchange.DefaultDirectoryConfig()
	cfg.Exchanges = []exchange.ExchangeConfig{
		{Name: ExchangeName, BaseURL: srv.URL, Trusted: trusted},
	}
	cfg.Auditors = auditorsOf(fake)
	dir, err := exchange.NewDirectory(cfg, nil)
	require.NoError(t, err)

	return &Env{
		Merchant:  mc,
		Exchange:  fake,
		Server:    srv,
		Directory: dir,
		Store:     inmem.NewStore(),
	}
}

// RequestSpec describes the payment request to build.
type RequestSpec struct {
	TransactionID uint64
	// Total and MaxFee are amount strings like "KUDOS:5".
	Total  string
	MaxFee string
	// Denoms lists which fake-exchange denomination each coin is
	// minted from. Coins contribute their full face value.
	Denoms []int
}

// NewPayRequest mints the coins, signs the contract and the deposit
// permissions and assembles the wire-level payment request.
func (e *Env) NewPayRequest(t *testing.T, spec RequestSpec) (*pay.Request, []*exchangetest.Coin) {
	t.Helper()

	var contractHash [sha512.Size]byte
	_, err := rand.Read(contractHash[:])
	require.NoError(t, err)

	req := &pay.Request{
		Exchange:       ExchangeName,
		Amount:         amountOf(t, spec.Total),
		MaxFee:         amountOf(t, spec.MaxFee),
		Timestamp:      time.Now().Unix(),
		RefundDeadline: time.Now().Add(time.Hour).Unix(),
		ContractHash:   exchange.Encoding.EncodeToString(contractHash[:]),
		TransactionID:  spec.TransactionID,
	}

	sig, err := e.Merchant.SignContract(contractHash, spec.TransactionID, req.Amount)
	require.NoError(t, err)
	req.MerchantSig = exchange.Encoding.EncodeToString(sig)

	perm := coin.Permission{
		ContractHash:   contractHash,
		WireHash:       e.Merchant.WireHash,
		TransactionID:  spec.TransactionID,
		MerchantPub:    e.Merchant.Pub,
		Timestamp:      time.Unix(req.Timestamp, 0),
		RefundDeadline: time.Unix(req.RefundDeadline, 0),
	}

	coins := make([]*exchangetest.Coin, 0, len(spec.Denoms))
	for _, denom := range spec.Denoms {
		c := e.Exchange.MustMintCoin(denom)
		require.NoError(t, c.Spend(perm))
		coins = append(coins, c)
		req.Coins = append(req.Coins, pay.CoinInput{
			DenomPub: c.Contribution.DenomPub,
			F:        c.Contribution.Amount,
			CoinPub:  exchange.Encoding.EncodeToString(c.Contribution.CoinPub),
			UbSig:    exchange.Encoding.EncodeToString(c.Contribution.UbSig),
			CoinSig:  exchange.Encoding.EncodeToString(c.Contribution.CoinSig),
		})
	}
	return req, coins
}

func amountOf(t *testing.T, s string) amount.Amount {
	t.Helper()
	a, err := amount.Parse(s)
	require.NoError(t, err)
	return a
}
