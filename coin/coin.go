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

// Package coin defines the e-cash coin types shared by the payment
// coordinator and the exchange client.
//
// A coin is an Ed25519 key pair whose public key carries an unblinded
// RSA signature from one of the exchange's denomination keys. Spending
// a coin means signing a deposit permission with the coin's private key
// and presenting both signatures to the exchange.
package coin

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"time"

	"github.com/openmerchant/openmerchant/amount"
)

// depositSigPrefix domain-separates deposit permission signatures.
const depositSigPrefix = "openmerchant deposit v1"

// ErrBadCoinSignature indicates the coin's deposit permission signature
// does not verify against the coin public key.
var ErrBadCoinSignature = errors.New("invalid coin signature over contract")

// Contribution is one coin's share of a payment as submitted by the
// wallet. Amount includes the coin's own deposit fee.
type Contribution struct {
	// DenomPub identifies the denomination key that signed the coin.
	DenomPub string
	// UbSig is the unblinded denomination signature over the coin
	// public key.
	UbSig []byte
	// CoinPub is the coin's Ed25519 public key.
	CoinPub ed25519.PublicKey
	// CoinSig is the coin's signature over the deposit permission.
	CoinSig []byte
	// Amount is this coin's contribution, deposit fee included.
	Amount amount.Amount
}

// Permission is the statement a coin signs to authorize its deposit.
// Every field is bound into the signature so the exchange and the
// merchant agree on the exact terms. ContractHash and WireHash are
// SHA-512 hashes of the contract terms and the merchant's wire details.
type Permission struct {
	ContractHash   [sha512.Size]byte
	WireHash       [sha512.Size]byte
	TransactionID  uint64
	MerchantPub    ed25519.PublicKey
	Timestamp      time.Time
	RefundDeadline time.Time
	Amount         amount.Amount
}

// Message returns the canonical byte encoding of the permission.
func (p Permission) Message() ([]byte, error) {
	amountBytes, err := p.Amount.BlindBytes()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(depositSigPrefix)+2*sha512.Size+8+ed25519.PublicKeySize+16+len(amountBytes))
	msg = append(msg, depositSigPrefix...)
	msg = append(msg, p.ContractHash[:]...)
	msg = append(msg, p.WireHash[:]...)
	msg = binary.BigEndian.AppendUint64(msg, p.TransactionID)
	msg = append(msg, p.MerchantPub...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(p.Timestamp.Unix()))
	msg = binary.BigEndian.AppendUint64(msg, uint64(p.RefundDeadline.Unix()))
	msg = append(msg, amountBytes...)
	return msg, nil
}

// Sign signs the permission with a coin private key. Used by wallets;
// in this repository only test helpers mint and spend coins.
func (p Permission) Sign(priv ed25519.PrivateKey) ([]byte, error) {
	msg, err := p.Message()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, msg), nil
}

// Verify checks sig against the coin public key.
func (p Permission) Verify(coinPub ed25519.PublicKey, sig []byte) error {
	msg, err := p.Message()
	if err != nil {
		return err
	}
	if len(coinPub) != ed25519.PublicKeySize || !ed25519.Verify(coinPub, msg, sig) {
		return ErrBadCoinSignature
	}
	return nil
}
