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

package exchange

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openmerchant/openmerchant/amount"
	"github.com/openmerchant/openmerchant/coin"
	"github.com/openmerchant/openmerchant/httpfmt"
	"github.com/openmerchant/openmerchant/otel/otelutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Client talks to a single exchange over its JSON HTTP API.
type Client struct {
	name    string
	baseURL string
	hc      *http.Client
}

// NewClient returns a client for the exchange at baseURL. A nil
// httpClient uses a default with the otel transport.
func NewClient(name, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelutil.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		name:    name,
		baseURL: baseURL,
		hc:      httpClient,
	}
}

// Name returns the configured name of the exchange.
func (c *Client) Name() string {
	return c.name
}

// wireKeySet is the JSON document served at GET /keys.
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

// FetchKeys downloads and verifies the exchange's key set.
func (c *Client) FetchKeys(ctx context.Context) (*KeySet, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "exchange.Client.FetchKeys",
		trace.WithAttributes(attribute.String("exchange", c.name)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/keys", nil)
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, otelutil.RecordError(span, fmt.Errorf("%w: %w", ErrUnreachable, err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: keys endpoint returned status %d", ErrUnreachable, resp.StatusCode)
		return nil, otelutil.RecordError(span, httpfmt.ParseBodyAsError(resp, err))
	}
	defer resp.Body.Close()

	var wire wireKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wire); err != nil {
		return nil, otelutil.RecordError(span, KeysError{Err: err})
	}

	ks, err := parseKeySet(&wire)
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}
	return ks, nil
}

func parseKeySet(wire *wireKeySet) (*KeySet, error) {
	masterPub, err := Encoding.DecodeString(wire.MasterPub)
	if err != nil || len(masterPub) != ed25519.PublicKeySize {
		return nil, KeysError{Err: errors.New("bad master public key")}
	}

	denoms := make([]*DenominationKey, 0, len(wire.Denoms))
	for _, wd := range wire.Denoms {
		der, err := Encoding.DecodeString(wd.DenomPub)
		if err != nil {
			return nil, KeysError{Err: fmt.Errorf("bad denom_pub encoding: %w", err)}
		}
		pubAny, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, KeysError{Err: fmt.Errorf("bad denomination key: %w", err)}
		}
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, KeysError{Err: errors.New("denomination key is not RSA")}
		}
		id, err := DenomKeyID(pub)
		if err != nil {
			return nil, KeysError{Err: err}
		}
		masterSig, err := Encoding.DecodeString(wd.MasterSig)
		if err != nil {
			return nil, KeysError{Err: fmt.Errorf("bad master_sig encoding: %w", err)}
		}
		auditorSigs := make(map[string][]byte, len(wd.AuditorSigs))
		for auditor, sigStr := range wd.AuditorSigs {
			sig, err := Encoding.DecodeString(sigStr)
			if err != nil {
				return nil, KeysError{Err: fmt.Errorf("bad auditor_sig encoding: %w", err)}
			}
			auditorSigs[auditor] = sig
		}
		denoms = append(denoms, &DenominationKey{
			ID:            id,
			Pub:           pub,
			Value:         wd.Value,
			FeeDeposit:    wd.FeeDeposit,
			ValidFrom:     time.Unix(wd.ValidFrom, 0),
			ExpireDeposit: time.Unix(wd.ExpireDeposit, 0),
			MasterSig:     masterSig,
			AuditorSigs:   auditorSigs,
		})
	}
	return NewKeySet(wire.Currency, masterPub, denoms)
}

// wireDeposit is the JSON body of POST /deposit.
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

// DepositResult carries the exchange's confirmation of an accepted
// deposit. Proof is the raw response body; the merchant persists it so
// it can later prove the deposit happened.
type DepositResult struct {
	Proof json.RawMessage
}

// Deposit asks the exchange to accept one coin as partial payment for
// a contract. Cancellation happens through ctx and is safe at any
// point; a deposit cancelled mid-flight reports ctx's error and no
// result is delivered afterwards.
//
// A non-success response from the exchange is returned as a
// *CoinRejectedError carrying the proof body.
func (c *Client) Deposit(ctx context.Context, contribution *coin.Contribution, perm *coin.Permission) (*DepositResult, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "exchange.Client.Deposit",
		trace.WithAttributes(
			attribute.String("exchange", c.name),
			attribute.String("amount", contribution.Amount.String())))
	defer span.End()

	body, err := json.Marshal(&wireDeposit{
		F:              contribution.Amount,
		WireHash:       Encoding.EncodeToString(perm.WireHash[:]),
		ContractHash:   Encoding.EncodeToString(perm.ContractHash[:]),
		CoinPub:        Encoding.EncodeToString(contribution.CoinPub),
		DenomPub:       contribution.DenomPub,
		UbSig:          Encoding.EncodeToString(contribution.UbSig),
		CoinSig:        Encoding.EncodeToString(contribution.CoinSig),
		Timestamp:      perm.Timestamp.Unix(),
		RefundDeadline: perm.RefundDeadline.Unix(),
		TransactionID:  perm.TransactionID,
		MerchantPub:    Encoding.EncodeToString(perm.MerchantPub),
	})
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deposit", bytes.NewReader(body))
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, otelutil.RecordError(span, fmt.Errorf("%w: %w", ErrUnreachable, err))
	}
	defer resp.Body.Close()

	proof, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, otelutil.RecordError(span, fmt.Errorf("%w: %w", ErrUnreachable, err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, otelutil.RecordError(span, &CoinRejectedError{
			StatusCode: resp.StatusCode,
			Proof:      proof,
		})
	}
	return &DepositResult{Proof: proof}, nil
}
