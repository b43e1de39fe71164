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

// Package exchangetest implements an in-memory exchange for tests and
// local development. It publishes a real key set, blind-signs coins
// through the same scheme the merchant verifies, and accepts deposits
// over the same JSON API, so merchant code can be exercised end to end
// without a live exchange.
package exchangetest

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"github.com/cloudflare/circl/blindsign/blindrsa/partiallyblindrsa"
	"github.com/openmerchant/openmerchant/amount"
	"github.com/openmerchant/openmerchant/coin"
	"github.com/openmerchant/openmerchant/exchange"
	"github.com/openmerchant/openmerchant/internal/keys"
)

var hashFunc = crypto.SHA384.HashFunc()

// zeroSalt matches the merchant's verification convention: coin nonces
// carry the randomness, the PSS salt stays fixed.
var zeroSalt = make([]byte, hashFunc.Size())

// DenomSpec describes one denomination of the fake exchange.
type DenomSpec struct {
	Value      string
	FeeDeposit string
}

type denomination struct {
	priv   *rsa.PrivateKey
	signer partiallyblindrsa.Signer
	key    *exchange.DenominationKey
}

// Rejection configures the fake exchange to refuse deposits of a coin.
type Rejection struct {
	StatusCode int
	Body       string
}

// Exchange is the in-memory exchange.
type Exchange struct {
	Currency string

	masterPriv  ed25519.PrivateKey
	MasterPub   ed25519.PublicKey
	auditorPriv ed25519.PrivateKey
	auditorID   string

	denoms []*denomination
	byID   map[string]*denomination

	mu           sync.Mutex
	blindMu      sync.Mutex
	depositCount int
	depositsSeen map[string]int
	rejections   map[string]Rejection
	depositDelay time.Duration
}

// New builds a fake exchange with one denomination per spec. The
// number of specs is limited by the pregenerated signing keys.
func New(currency string, specs []DenomSpec) (*Exchange, error) {
	keys, err := denomPrivateKeys()
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 || len(specs) > len(keys) {
		return nil, fmt.Errorf("between 1 and %d denominations supported, got %d", len(keys), len(specs))
	}

	_, masterPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	auditorPub, auditorPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	auditorID := exchange.Encoding.EncodeToString(auditorPub)

	e := &Exchange{
		Currency:     currency,
		masterPriv:   masterPriv,
		MasterPub:    masterPriv.Public().(ed25519.PublicKey),
		auditorPriv:  auditorPriv,
		auditorID:    auditorID,
		byID:         make(map[string]*denomination),
		depositsSeen: make(map[string]int),
		rejections:   make(map[string]Rejection),
	}

	now := time.Now()
	for i, spec := range specs {
		priv := keys[i]
		signer, err := partiallyblindrsa.NewSigner(priv, hashFunc)
		if err != nil {
			return nil, fmt.Errorf("failed to create denomination signer: %w", err)
		}
		value, err := amount.Parse(spec.Value)
		if err != nil {
			return nil, err
		}
		fee, err := amount.Parse(spec.FeeDeposit)
		if err != nil {
			return nil, err
		}
		id, err := exchange.DenomKeyID(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
		dk := &exchange.DenominationKey{
			ID:            id,
			Pub:           &priv.PublicKey,
			Value:         value,
			FeeDeposit:    fee,
			ValidFrom:     now.Add(-time.Hour),
			ExpireDeposit: now.Add(24 * time.Hour),
		}
		dk.MasterSig, err = exchange.SignDenomination(masterPriv, dk)
		if err != nil {
			return nil, err
		}
		auditorSig, err := exchange.SignDenomination(auditorPriv, dk)
		if err != nil {
			return nil, err
		}
		dk.AuditorSigs = map[string][]byte{auditorID: auditorSig}

		d := &denomination{priv: priv, signer: signer, key: dk}
		e.denoms = append(e.denoms, d)
		e.byID[id] = d
	}
	return e, nil
}

// MustNew is New for test setup code.
func MustNew(currency string, specs []DenomSpec) *Exchange {
	e, err := New(currency, specs)
	if err != nil {
		panic(err)
	}
	return e
}

// AuditorPub returns the base64url auditor public key, for use in the
// merchant's auditor configuration.
func (e *Exchange) AuditorPub() string {
	return e.auditorID
}

// DenomID returns the identifier of the i-th configured denomination.
func (e *Exchange) DenomID(i int) string {
	return e.denoms[i].key.ID
}

// RejectCoin makes the exchange refuse deposits of the given coin with
// the given status and JSON body.
func (e *Exchange) RejectCoin(coinPub ed25519.PublicKey, r Rejection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejections[exchange.Encoding.EncodeToString(coinPub)] = r
}

// SetDepositDelay delays every deposit response. Deposits cancelled
// while delayed are not counted as completed.
func (e *Exchange) SetDepositDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.depositDelay = d
}

// DepositCount returns the number of completed deposit requests.
func (e *Exchange) DepositCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depositCount
}

// DepositsFor returns how many deposit requests completed for a coin.
func (e *Exchange) DepositsFor(coinPub ed25519.PublicKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depositsSeen[exchange.Encoding.EncodeToString(coinPub)]
}

// Coin is a test coin: a key pair plus the wallet-side contribution
// fields ready to be placed in a payment request.
type Coin struct {
	Priv         ed25519.PrivateKey
	Contribution coin.Contribution
}

// MintCoin runs the blind-sign flow for the i-th denomination and
// returns a spendable coin contributing its full face value.
func (e *Exchange) MintCoin(i int) (*Coin, error) {
	d := e.denoms[i]

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	metadata, err := d.key.Value.BlindBytes()
	if err != nil {
		return nil, err
	}

	r, rInv, err := blindingFactor(d.priv.PublicKey.N)
	if err != nil {
		return nil, err
	}

	verifier := partiallyblindrsa.NewVerifier(&d.priv.PublicKey, hashFunc)
	// FixedBlind panics when called concurrently on a shared verifier
	e.blindMu.Lock()
	blinded, state, err := verifier.FixedBlind(pub, metadata, zeroSalt, r.Bytes(), rInv.Bytes())
	e.blindMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to blind coin: %w", err)
	}

	blindSig, err := d.signer.BlindSign(blinded, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to blind sign coin: %w", err)
	}

	ubSig, err := state.Finalize(blindSig)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize coin signature: %w", err)
	}

	return &Coin{
		Priv: priv,
		Contribution: coin.Contribution{
			DenomPub: d.key.ID,
			UbSig:    ubSig,
			CoinPub:  pub,
			Amount:   d.key.Value,
		},
	}, nil
}

// MustMintCoin is MintCoin for test setup code.
func (e *Exchange) MustMintCoin(i int) *Coin {
	c, err := e.MintCoin(i)
	if err != nil {
		panic(err)
	}
	return c
}

// Spend signs the deposit permission with the coin key and stores the
// signature in the contribution. The contribution amount may be
// lowered first to simulate partial spending.
func (c *Coin) Spend(perm coin.Permission) error {
	perm.Amount = c.Contribution.Amount
	sig, err := perm.Sign(c.Priv)
	if err != nil {
		return err
	}
	c.Contribution.CoinSig = sig
	return nil
}

func blindingFactor(n *big.Int) (*big.Int, *big.Int, error) {
	r, err := rand.Int(rand.Reader, n)
	if err != nil {
		return nil, nil, err
	}
	if r.Sign() == 0 {
		r.SetInt64(1)
	}
	rInv := new(big.Int).ModInverse(r, n)
	if rInv == nil {
		return nil, nil, blindrsa.ErrInvalidBlind
	}
	return r, rInv, nil
}

// Handler serves the exchange's JSON API: GET /keys and POST /deposit.
func (e *Exchange) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /keys", e.handleKeys)
	mux.HandleFunc("POST /deposit", e.handleDeposit)
	return mux
}

type wireKeySet struct {
	Currency  string      `json:"currency"`
	MasterPub string      `json:"master_pub"`
	Denoms    []wireDenom `json:"denoms"`
}

type wireDenom struct {
	DenomPub      string            `json:"denom_pub"`
	Value         amount.Amount     `json:"value"`
	FeeDeposit    amount.Amount     `json:"fee_deposit"`
	ValidFrom     int64             `json:"valid_from"`
	ExpireDeposit int64             `json:"expire_deposit"`
	MasterSig     string            `json:"master_sig"`
	AuditorSigs   map[string]string `json:"auditor_sigs,omitempty"`
}

func (e *Exchange) handleKeys(w http.ResponseWriter, _ *http.Request) {
	ks := wireKeySet{
		Currency:  e.Currency,
		MasterPub: exchange.Encoding.EncodeToString(e.MasterPub),
	}
	for _, d := range e.denoms {
		der, err := x509.MarshalPKIXPublicKey(d.key.Pub)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		auditorSigs := make(map[string]string, len(d.key.AuditorSigs))
		for id, sig := range d.key.AuditorSigs {
			auditorSigs[id] = exchange.Encoding.EncodeToString(sig)
		}
		ks.Denoms = append(ks.Denoms, wireDenom{
			DenomPub:      exchange.Encoding.EncodeToString(der),
			Value:         d.key.Value,
			FeeDeposit:    d.key.FeeDeposit,
			ValidFrom:     d.key.ValidFrom.Unix(),
			ExpireDeposit: d.key.ExpireDeposit.Unix(),
			MasterSig:     exchange.Encoding.EncodeToString(d.key.MasterSig),
			AuditorSigs:   auditorSigs,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ks); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type wireDeposit struct {
	F              amount.Amount `json:"f"`
	WireHash       string        `json:"H_wire"`
	ContractHash   string        `json:"H_contract"`
	CoinPub        string        `json:"coin_pub"`
	DenomPub       string        `json:"denom_pub"`
	UbSig          string        `json:"ub_sig"`
	CoinSig        string        `json:"coin_sig"`
	Timestamp      int64         `json:"timestamp"`
	RefundDeadline int64         `json:"refund_deadline"`
	TransactionID  uint64        `json:"transaction_id"`
	MerchantPub    string        `json:"merchant_pub"`
}

func (e *Exchange) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var wd wireDeposit
	if err := json.NewDecoder(r.Body).Decode(&wd); err != nil {
		writeError(w, http.StatusBadRequest, "malformed deposit request")
		return
	}

	e.mu.Lock()
	delay := e.depositDelay
	rejection, rejected := e.rejections[wd.CoinPub]
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	d, ok := e.byID[wd.DenomPub]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown denomination")
		return
	}

	perm, contribution, err := parseDeposit(&wd)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.key.VerifyCoin(contribution.CoinPub, contribution.UbSig); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid denomination signature")
		return
	}
	if err := perm.Verify(contribution.CoinPub, contribution.CoinSig); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid coin signature")
		return
	}

	e.mu.Lock()
	e.depositCount++
	e.depositsSeen[wd.CoinPub]++
	e.mu.Unlock()

	if rejected {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rejection.StatusCode)
		_, _ = w.Write([]byte(rejection.Body))
		return
	}

	sig := ed25519.Sign(e.masterPriv, append([]byte("deposit ok "), contribution.CoinPub...))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":       "DEPOSIT_OK",
		"exchange_sig": exchange.Encoding.EncodeToString(sig),
	})
}

func parseDeposit(wd *wireDeposit) (*coin.Permission, *coin.Contribution, error) {
	coinPub, err := exchange.Encoding.DecodeString(wd.CoinPub)
	if err != nil || len(coinPub) != ed25519.PublicKeySize {
		return nil, nil, errors.New("bad coin_pub")
	}
	merchantPub, err := exchange.Encoding.DecodeString(wd.MerchantPub)
	if err != nil || len(merchantPub) != ed25519.PublicKeySize {
		return nil, nil, errors.New("bad merchant_pub")
	}
	ubSig, err := exchange.Encoding.DecodeString(wd.UbSig)
	if err != nil {
		return nil, nil, errors.New("bad ub_sig")
	}
	coinSig, err := exchange.Encoding.DecodeString(wd.CoinSig)
	if err != nil {
		return nil, nil, errors.New("bad coin_sig")
	}
	contractHash, err := decodeHash(wd.ContractHash)
	if err != nil {
		return nil, nil, errors.New("bad H_contract")
	}
	wireHash, err := decodeHash(wd.WireHash)
	if err != nil {
		return nil, nil, errors.New("bad H_wire")
	}

	perm := &coin.Permission{
		ContractHash:   contractHash,
		WireHash:       wireHash,
		TransactionID:  wd.TransactionID,
		MerchantPub:    merchantPub,
		Timestamp:      time.Unix(wd.Timestamp, 0),
		RefundDeadline: time.Unix(wd.RefundDeadline, 0),
		Amount:         wd.F,
	}
	contribution := &coin.Contribution{
		DenomPub: wd.DenomPub,
		UbSig:    ubSig,
		CoinPub:  coinPub,
		CoinSig:  coinSig,
		Amount:   wd.F,
	}
	return perm, contribution, nil
}

func decodeHash(s string) ([sha512.Size]byte, error) {
	var out [sha512.Size]byte
	b, err := exchange.Encoding.DecodeString(s)
	if err != nil || len(b) != sha512.Size {
		return out, errors.New("bad hash")
	}
	copy(out[:], b)
	return out, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// denomPrivateKeys parses the pregenerated denomination signing keys.
// The blind signature scheme requires RSA keys built from safe primes,
// which are far too slow to generate per test run.
func denomPrivateKeys() ([]*rsa.PrivateKey, error) {
	out := make([]*rsa.PrivateKey, 0, len(denomKeyPEMs))
	for _, pemStr := range denomKeyPEMs {
		priv, err := keys.ParseX509PKCS1PrivateKeyFromPEM(pemStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded key: %w", err)
		}
		out = append(out, priv)
	}
	return out, nil
}
