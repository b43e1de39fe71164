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
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/circl/blindsign/blindrsa/partiallyblindrsa"
	"github.com/openmerchant/openmerchant/amount"
)

// hashFunc is the hash used by the blind signature scheme for
// denomination signatures.
var hashFunc = crypto.SHA384.HashFunc()

// denomSigPrefix domain-separates master and auditor signatures over
// denomination keys.
const denomSigPrefix = "openmerchant denom v1"

// Encoding is the byte-to-text encoding for keys, hashes and
// signatures in the JSON protocol.
var Encoding = base64.RawURLEncoding

// DenominationKey is one value tier of an exchange. Coins signed by it
// are worth Value and cost FeeDeposit to deposit.
type DenominationKey struct {
	// ID is the base64url SHA-256 of the PKIX encoding of Pub. Coins
	// reference their denomination by this identifier.
	ID string
	// Pub verifies unblinded denomination signatures.
	Pub *rsa.PublicKey
	// Value is the face value of coins of this denomination.
	Value amount.Amount
	// FeeDeposit is charged by the exchange per deposit of such a coin.
	FeeDeposit amount.Amount
	// ValidFrom and ExpireDeposit bound the period during which the
	// exchange accepts deposits of this denomination.
	ValidFrom     time.Time
	ExpireDeposit time.Time
	// MasterSig is the exchange master key's signature over this
	// denomination record.
	MasterSig []byte
	// AuditorSigs holds auditor signatures over this denomination
	// record, keyed by the base64url auditor public key.
	AuditorSigs map[string][]byte

	// mu guards verifier; FixedBlind-style verification panics when
	// invoked concurrently on a shared verifier.
	mu       sync.Mutex
	verifier partiallyblindrsa.Verifier
}

// DenomKeyID derives the identifier for a denomination public key.
func DenomKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode denomination key: %w", err)
	}
	sum := sha256.Sum256(der)
	return Encoding.EncodeToString(sum[:]), nil
}

// denomMessage is the byte string master and auditor signatures cover.
func denomMessage(id string, value, feeDeposit amount.Amount, validFrom, expireDeposit time.Time) ([]byte, error) {
	valueBytes, err := value.BlindBytes()
	if err != nil {
		return nil, err
	}
	feeBytes, err := feeDeposit.BlindBytes()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(denomSigPrefix)+len(id)+len(valueBytes)+len(feeBytes)+16)
	msg = append(msg, denomSigPrefix...)
	msg = append(msg, id...)
	msg = append(msg, valueBytes...)
	msg = append(msg, feeBytes...)
	msg = appendUnix(msg, validFrom)
	msg = appendUnix(msg, expireDeposit)
	return msg, nil
}

func appendUnix(msg []byte, t time.Time) []byte {
	u := uint64(t.Unix())
	return append(msg,
		byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
		byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

// SignDenomination produces the signature a master key or auditor key
// makes over a denomination record. Exported for the fake exchange and
// for auditor tooling.
func SignDenomination(priv ed25519.PrivateKey, dk *DenominationKey) ([]byte, error) {
	msg, err := denomMessage(dk.ID, dk.Value, dk.FeeDeposit, dk.ValidFrom, dk.ExpireDeposit)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, msg), nil
}

// VerifyCoin checks the unblinded denomination signature over a coin
// public key.
func (dk *DenominationKey) VerifyCoin(coinPub, ubSig []byte) error {
	metadata, err := dk.Value.BlindBytes()
	if err != nil {
		return err
	}
	dk.mu.Lock()
	defer dk.mu.Unlock()
	if dk.verifier == nil {
		dk.verifier = partiallyblindrsa.NewVerifier(dk.Pub, hashFunc)
	}
	if err := dk.verifier.Verify(coinPub, metadata, ubSig); err != nil {
		return fmt.Errorf("invalid denomination signature: %w", err)
	}
	return nil
}

// DepositableAt reports whether the exchange accepts deposits of this
// denomination at the given time.
func (dk *DenominationKey) DepositableAt(t time.Time) bool {
	return !t.Before(dk.ValidFrom) && t.Before(dk.ExpireDeposit)
}

// KeySet is an exchange's published denomination key set. Immutable
// once fetched; the directory replaces whole sets on refresh.
type KeySet struct {
	Currency  string
	MasterPub ed25519.PublicKey

	denoms map[string]*DenominationKey
}

// NewKeySet assembles a key set and verifies the master signature of
// every denomination. Records with bad master signatures make the
// whole set invalid; a merchant must not work with a tampered key set.
func NewKeySet(currency string, masterPub ed25519.PublicKey, denoms []*DenominationKey) (*KeySet, error) {
	if currency == "" {
		return nil, KeysError{Err: errors.New("missing currency")}
	}
	if len(masterPub) != ed25519.PublicKeySize {
		return nil, KeysError{Err: errors.New("bad master public key")}
	}
	byID := make(map[string]*DenominationKey, len(denoms))
	for _, dk := range denoms {
		if dk.Value.Currency != currency || dk.FeeDeposit.Currency != currency {
			return nil, KeysError{Err: fmt.Errorf("denomination %s has foreign currency", dk.ID)}
		}
		msg, err := denomMessage(dk.ID, dk.Value, dk.FeeDeposit, dk.ValidFrom, dk.ExpireDeposit)
		if err != nil {
			return nil, KeysError{Err: err}
		}
		if !ed25519.Verify(masterPub, msg, dk.MasterSig) {
			return nil, KeysError{Err: fmt.Errorf("denomination %s has invalid master signature", dk.ID)}
		}
		byID[dk.ID] = dk
	}
	return &KeySet{
		Currency:  currency,
		MasterPub: masterPub,
		denoms:    byID,
	}, nil
}

// Denomination looks up a denomination by its identifier.
func (ks *KeySet) Denomination(denomPub string) (*DenominationKey, error) {
	dk, ok := ks.denoms[denomPub]
	if !ok {
		return nil, ErrUnknownDenomination
	}
	return dk, nil
}

// Denominations returns all denominations of the set.
func (ks *KeySet) Denominations() []*DenominationKey {
	out := make([]*DenominationKey, 0, len(ks.denoms))
	for _, dk := range ks.denoms {
		out = append(out, dk)
	}
	return out
}

// CheckAudited verifies that at least one of the given auditors vouches
// for the denomination. Auditor keys are given as base64url Ed25519
// public keys, the form they take in the configuration.
func (ks *KeySet) CheckAudited(dk *DenominationKey, auditors map[string]ed25519.PublicKey) error {
	msg, err := denomMessage(dk.ID, dk.Value, dk.FeeDeposit, dk.ValidFrom, dk.ExpireDeposit)
	if err != nil {
		return err
	}
	for keyID, pub := range auditors {
		sig, ok := dk.AuditorSigs[keyID]
		if !ok {
			continue
		}
		if ed25519.Verify(pub, msg, sig) {
			return nil
		}
	}
	return ErrNotAudited
}
