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

package pay

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"time"

	openmerchant "github.com/openmerchant/openmerchant"
	"github.com/openmerchant/openmerchant/amount"
	"github.com/openmerchant/openmerchant/coin"
	"github.com/openmerchant/openmerchant/exchange"
)

// CoinInput is one coin of a payment request as submitted by the
// wallet.
type CoinInput struct {
	DenomPub string        `json:"denom_pub"`
	F        amount.Amount `json:"f"`
	CoinPub  string        `json:"coin_pub"`
	UbSig    string        `json:"ub_sig"`
	CoinSig  string        `json:"coin_sig"`
}

// Request is the body of POST /pay.
type Request struct {
	Coins          []CoinInput   `json:"coins"`
	Exchange       string        `json:"exchange"`
	Amount         amount.Amount `json:"amount"`
	MaxFee         amount.Amount `json:"max_fee"`
	Timestamp      int64         `json:"timestamp"`
	RefundDeadline int64         `json:"refund_deadline"`
	ContractHash   string        `json:"H_contract"`
	TransactionID  uint64        `json:"transaction_id"`
	MerchantSig    string        `json:"merchant_sig"`
}

// payment is a validated request, decoded into protocol types. The
// coordinator owns it for the duration of the request.
type payment struct {
	transactionID uint64
	exchangeName  string
	contractHash  [sha512.Size]byte
	total         amount.Amount
	maxFee        amount.Amount
	coins         []*coin.Contribution
	permission    coin.Permission
}

// parse validates the request shape and signatures against the
// merchant identity. Every failure is a *ClientError.
func (r *Request) parse(mc *openmerchant.MerchantContext) (*payment, error) {
	if len(r.Coins) == 0 {
		return nil, badRequest("malformed payment request", "coins must not be empty")
	}
	if r.Amount.Currency != mc.Currency || r.MaxFee.Currency != mc.Currency {
		return nil, badRequest("malformed payment request",
			fmt.Sprintf("amounts must be in %s", mc.Currency))
	}
	if r.Exchange == "" {
		return nil, badRequest("malformed payment request", "missing exchange")
	}

	contractHash, err := decodeHash(r.ContractHash)
	if err != nil {
		return nil, badRequest("malformed payment request", "bad H_contract")
	}

	merchantSig, err := exchange.Encoding.DecodeString(r.MerchantSig)
	if err != nil {
		return nil, badRequest("malformed payment request", "bad merchant_sig")
	}
	if err := mc.VerifyContractSig(merchantSig, contractHash, r.TransactionID, r.Amount); err != nil {
		return nil, badRequest("invalid merchant signature",
			"the contract was not proposed by this merchant")
	}

	p := &payment{
		transactionID: r.TransactionID,
		exchangeName:  r.Exchange,
		contractHash:  contractHash,
		total:         r.Amount,
		maxFee:        r.MaxFee,
		permission: coin.Permission{
			ContractHash:   contractHash,
			WireHash:       mc.WireHash,
			TransactionID:  r.TransactionID,
			MerchantPub:    mc.Pub,
			Timestamp:      time.Unix(r.Timestamp, 0),
			RefundDeadline: time.Unix(r.RefundDeadline, 0),
		},
	}

	seen := make(map[string]bool, len(r.Coins))
	for i, ci := range r.Coins {
		if ci.F.Currency != mc.Currency {
			return nil, badRequest("malformed payment request",
				fmt.Sprintf("coin %d contribution must be in %s", i, mc.Currency))
		}
		coinPub, err := exchange.Encoding.DecodeString(ci.CoinPub)
		if err != nil || len(coinPub) != ed25519.PublicKeySize {
			return nil, badRequest("malformed payment request",
				fmt.Sprintf("coin %d has a bad coin_pub", i))
		}
		if seen[ci.CoinPub] {
			return nil, badRequest("malformed payment request",
				fmt.Sprintf("coin %s appears twice", ci.CoinPub))
		}
		seen[ci.CoinPub] = true
		ubSig, err := exchange.Encoding.DecodeString(ci.UbSig)
		if err != nil {
			return nil, badRequest("malformed payment request",
				fmt.Sprintf("coin %d has a bad ub_sig", i))
		}
		coinSig, err := exchange.Encoding.DecodeString(ci.CoinSig)
		if err != nil {
			return nil, badRequest("malformed payment request",
				fmt.Sprintf("coin %d has a bad coin_sig", i))
		}
		p.coins = append(p.coins, &coin.Contribution{
			DenomPub: ci.DenomPub,
			UbSig:    ubSig,
			CoinPub:  coinPub,
			CoinSig:  coinSig,
			Amount:   ci.F,
		})
	}
	return p, nil
}

// permissionFor binds the shared deposit terms to one coin's amount.
func (p *payment) permissionFor(c *coin.Contribution) coin.Permission {
	perm := p.permission
	perm.Amount = c.Amount
	return perm
}

func decodeHash(s string) ([sha512.Size]byte, error) {
	var out [sha512.Size]byte
	b, err := exchange.Encoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != sha512.Size {
		return out, fmt.Errorf("hash has size %d, want %d", len(b), sha512.Size)
	}
	copy(out[:], b)
	return out, nil
}
