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

// Package openmerchant implements a merchant-side e-cash payment backend.
//
// The merchant accepts payments made of blind-signed coins, verifies them
// against the issuing exchange's denomination keys, deposits every coin at
// the exchange under all-or-nothing semantics and records the outcome
// exactly once. See the pay package for the payment state machine.
package openmerchant

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/openmerchant/openmerchant/amount"
)

// contractSigPrefix domain-separates merchant contract signatures from
// any other Ed25519 signatures made with the merchant key.
const contractSigPrefix = "openmerchant contract v1"

// MerchantContext holds the merchant identity and instance-wide payment
// parameters. It is constructed once at startup and injected into every
// component that needs it; nothing in this repository reads merchant
// state from globals.
type MerchantContext struct {
	// Pub identifies this merchant instance to exchanges and wallets.
	Pub ed25519.PublicKey
	// priv signs contract proposals. Kept unexported so the key cannot
	// leak through accidental struct copies into logs.
	priv ed25519.PrivateKey

	// Currency is the only currency this merchant instance accepts.
	Currency string

	// WireHash commits to the merchant's bank account details. Deposits
	// at the exchange are bound to it.
	WireHash [sha512.Size]byte
}

// NewMerchantContext builds a merchant context from an Ed25519 private
// key and validates the instance parameters.
func NewMerchantContext(priv ed25519.PrivateKey, currency string, wireHash [sha512.Size]byte) (*MerchantContext, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("merchant private key has wrong size")
	}
	if currency == "" || len(currency) > amount.MaxCurrencyLen {
		return nil, amount.ErrInvalidCurrency
	}
	return &MerchantContext{
		Pub:      priv.Public().(ed25519.PublicKey),
		priv:     priv,
		Currency: currency,
		WireHash: wireHash,
	}, nil
}

// NewEphemeralMerchantContext generates a fresh merchant key. Intended
// for tests and local development.
func NewEphemeralMerchantContext(currency string) (*MerchantContext, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate merchant key: %w", err)
	}
	var wireHash [sha512.Size]byte
	if _, err := rand.Read(wireHash[:]); err != nil {
		return nil, fmt.Errorf("failed to generate wire hash: %w", err)
	}
	return NewMerchantContext(priv, currency, wireHash)
}

// ContractMessage returns the canonical byte string the merchant signs
// when proposing a contract. Wallets echo the resulting signature back
// in the payment request.
func ContractMessage(contractHash [sha512.Size]byte, transactionID uint64, total amount.Amount) ([]byte, error) {
	totalBytes, err := total.BlindBytes()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(contractSigPrefix)+sha512.Size+8+len(totalBytes))
	msg = append(msg, contractSigPrefix...)
	msg = append(msg, contractHash[:]...)
	msg = binary.BigEndian.AppendUint64(msg, transactionID)
	msg = append(msg, totalBytes...)
	return msg, nil
}

// SignContract signs a contract proposal.
func (m *MerchantContext) SignContract(contractHash [sha512.Size]byte, transactionID uint64, total amount.Amount) ([]byte, error) {
	msg, err := ContractMessage(contractHash, transactionID, total)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(m.priv, msg), nil
}

// VerifyContractSig checks a merchant signature echoed by a wallet.
func (m *MerchantContext) VerifyContractSig(sig []byte, contractHash [sha512.Size]byte, transactionID uint64, total amount.Amount) error {
	msg, err := ContractMessage(contractHash, transactionID, total)
	if err != nil {
		return err
	}
	if !ed25519.Verify(m.Pub, msg, sig) {
		return errors.New("invalid merchant contract signature")
	}
	return nil
}
