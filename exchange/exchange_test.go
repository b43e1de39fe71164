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

package exchange_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmerchant/openmerchant/coin"
	"github.com/openmerchant/openmerchant/exchange"
	"github.com/openmerchant/openmerchant/exchange/exchangetest"
	"github.com/stretchr/testify/require"
)

var testDenoms = []exchangetest.DenomSpec{
	{Value: "KUDOS:5", FeeDeposit: "KUDOS:0.01"},
	{Value: "KUDOS:1", FeeDeposit: "KUDOS:0.01"},
}

func newTestPermission(t *testing.T, merchantPub ed25519.PublicKey, c *exchangetest.Coin) *coin.Permission {
	t.Helper()
	var contractHash, wireHash [sha512.Size]byte
	_, err := rand.Read(contractHash[:])
	require.NoError(t, err)
	_, err = rand.Read(wireHash[:])
	require.NoError(t, err)

	perm := &coin.Permission{
		ContractHash:   contractHash,
		WireHash:       wireHash,
		TransactionID:  42,
		MerchantPub:    merchantPub,
		Timestamp:      time.Now().Truncate(time.Second),
		RefundDeadline: time.Now().Add(time.Hour).Truncate(time.Second),
		Amount:         c.Contribution.Amount,
	}
	require.NoError(t, c.Spend(*perm))
	return perm
}

func TestFetchKeys(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	client := exchange.NewClient("test", srv.URL, nil)
	keys, err := client.FetchKeys(context.Background())
	require.NoError(t, err)
	require.Equal(t, "KUDOS", keys.Currency)
	require.Len(t, keys.Denominations(), 2)

	dk, err := keys.Denomination(fake.DenomID(0))
	require.NoError(t, err)
	require.Equal(t, "KUDOS:5", dk.Value.String())
	require.True(t, dk.DepositableAt(time.Now()))

	_, err = keys.Denomination("no-such-denomination")
	require.ErrorIs(t, err, exchange.ErrUnknownDenomination)
}

func TestFetchKeysRejectsTamperedSet(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	inner := httptest.NewServer(fake.Handler())
	defer inner.Close()

	// proxy that swaps the master_pub, invalidating every master sig
	evil := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := http.Get(inner.URL + "/keys")
		require.NoError(t, err)
		defer resp.Body.Close()

		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		doc["master_pub"] = exchange.Encoding.EncodeToString(pub)
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}))
	defer evil.Close()

	client := exchange.NewClient("evil", evil.URL, nil)
	_, err := client.FetchKeys(context.Background())
	var keysErr exchange.KeysError
	require.ErrorAs(t, err, &keysErr)
}

func TestVerifyCoin(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	keys, err := exchange.NewClient("test", srv.URL, nil).FetchKeys(context.Background())
	require.NoError(t, err)

	c := fake.MustMintCoin(0)
	dk, err := keys.Denomination(c.Contribution.DenomPub)
	require.NoError(t, err)
	require.NoError(t, dk.VerifyCoin(c.Contribution.CoinPub, c.Contribution.UbSig))

	// a signature minted for one coin key must not verify for another
	other := fake.MustMintCoin(0)
	require.Error(t, dk.VerifyCoin(other.Contribution.CoinPub, c.Contribution.UbSig))

	// nor against the wrong denomination
	wrongDenom, err := keys.Denomination(fake.DenomID(1))
	require.NoError(t, err)
	require.Error(t, wrongDenom.VerifyCoin(c.Contribution.CoinPub, c.Contribution.UbSig))
}

func TestDeposit(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	_, merchantPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	merchantPub := merchantPriv.Public().(ed25519.PublicKey)

	c := fake.MustMintCoin(0)
	perm := newTestPermission(t, merchantPub, c)

	client := exchange.NewClient("test", srv.URL, nil)
	result, err := client.Deposit(context.Background(), &c.Contribution, perm)
	require.NoError(t, err)
	require.Contains(t, string(result.Proof), "DEPOSIT_OK")
	require.Equal(t, 1, fake.DepositsFor(c.Contribution.CoinPub))
}

func TestDepositRejected(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	_, merchantPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	merchantPub := merchantPriv.Public().(ed25519.PublicKey)

	c := fake.MustMintCoin(0)
	perm := newTestPermission(t, merchantPub, c)
	fake.RejectCoin(c.Contribution.CoinPub, exchangetest.Rejection{
		StatusCode: http.StatusForbidden,
		Body:       `{"error":"double spend"}`,
	})

	client := exchange.NewClient("test", srv.URL, nil)
	_, err = client.Deposit(context.Background(), &c.Contribution, perm)
	var rejected *exchange.CoinRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusForbidden, rejected.StatusCode)
	require.JSONEq(t, `{"error":"double spend"}`, string(rejected.Proof))
}

func TestDepositRejectsBadCoinSignature(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	_, merchantPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	merchantPub := merchantPriv.Public().(ed25519.PublicKey)

	c := fake.MustMintCoin(0)
	perm := newTestPermission(t, merchantPub, c)
	perm.TransactionID++ // coin signed different terms

	client := exchange.NewClient("test", srv.URL, nil)
	_, err = client.Deposit(context.Background(), &c.Contribution, perm)
	var rejected *exchange.CoinRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
}

func TestDepositCancelled(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	fake.SetDepositDelay(10 * time.Second)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	_, merchantPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	merchantPub := merchantPriv.Public().(ed25519.PublicKey)

	c := fake.MustMintCoin(0)
	perm := newTestPermission(t, merchantPub, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := exchange.NewClient("test", srv.URL, nil)
	_, err = client.Deposit(ctx, &c.Contribution, perm)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, fake.DepositCount())
}

func TestDirectoryFindCachesKeys(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	var keysFetches atomic.Int32
	handler := fake.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/keys" {
			keysFetches.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	cfg := exchange.DefaultDirectoryConfig()
	cfg.Exchanges = []exchange.ExchangeConfig{{Name: "kudos", BaseURL: srv.URL, Trusted: true}}
	dir, err := exchange.NewDirectory(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	h1, err := dir.Find(ctx, "kudos")
	require.NoError(t, err)
	require.True(t, h1.Trusted())
	h2, err := dir.Find(ctx, "kudos")
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, int32(1), keysFetches.Load())

	dir.Evict("kudos")
	_, err = dir.Find(ctx, "kudos")
	require.NoError(t, err)
	require.Equal(t, int32(2), keysFetches.Load())
}

func TestDirectoryExpiresCachedKeys(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	var keysFetches atomic.Int32
	handler := fake.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/keys" {
			keysFetches.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	cfg := exchange.DefaultDirectoryConfig()
	cfg.KeysExpireAfter = 10 * time.Millisecond
	cfg.Exchanges = []exchange.ExchangeConfig{{Name: "kudos", BaseURL: srv.URL}}
	dir, err := exchange.NewDirectory(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = dir.Find(ctx, "kudos")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = dir.Find(ctx, "kudos")
	require.NoError(t, err)
	require.Equal(t, int32(2), keysFetches.Load())
}

func TestDirectoryNotConfigured(t *testing.T) {
	dir, err := exchange.NewDirectory(exchange.DefaultDirectoryConfig(), nil)
	require.NoError(t, err)
	_, err = dir.Find(context.Background(), "nowhere")
	require.ErrorIs(t, err, exchange.ErrNotConfigured)
}

func TestCheckCoinDenominationAuditPolicy(t *testing.T) {
	fake := exchangetest.MustNew("KUDOS", testDenoms)
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	find := func(t *testing.T, trusted bool, auditors []string) *exchange.Handle {
		cfg := exchange.DefaultDirectoryConfig()
		cfg.Exchanges = []exchange.ExchangeConfig{{Name: "kudos", BaseURL: srv.URL, Trusted: trusted}}
		cfg.Auditors = auditors
		dir, err := exchange.NewDirectory(cfg, nil)
		require.NoError(t, err)
		h, err := dir.Find(context.Background(), "kudos")
		require.NoError(t, err)
		return h
	}

	dkOf := func(t *testing.T, h *exchange.Handle) *exchange.DenominationKey {
		dk, err := h.Keys.Denomination(fake.DenomID(0))
		require.NoError(t, err)
		return dk
	}

	t.Run("trusted exchange needs no auditor", func(t *testing.T) {
		h := find(t, true, nil)
		require.NoError(t, h.CheckCoinDenomination(dkOf(t, h)))
	})

	t.Run("untrusted exchange without auditor is refused", func(t *testing.T) {
		h := find(t, false, nil)
		require.ErrorIs(t, h.CheckCoinDenomination(dkOf(t, h)), exchange.ErrNotAudited)
	})

	t.Run("untrusted exchange with vouching auditor is accepted", func(t *testing.T) {
		h := find(t, false, []string{fake.AuditorPub()})
		require.NoError(t, h.CheckCoinDenomination(dkOf(t, h)))
	})

	t.Run("unrelated auditor does not vouch", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		h := find(t, false, []string{exchange.Encoding.EncodeToString(pub)})
		require.ErrorIs(t, h.CheckCoinDenomination(dkOf(t, h)), exchange.ErrNotAudited)
	})
}
