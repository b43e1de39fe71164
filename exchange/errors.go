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
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured indicates the requested exchange does not appear
	// in the merchant's configuration.
	ErrNotConfigured = errors.New("exchange not configured")

	// ErrUnknownDenomination indicates a denomination public key is not
	// part of the exchange's published key set.
	ErrUnknownDenomination = errors.New("unknown denomination")

	// ErrDenominationExpired indicates the denomination no longer
	// accepts deposits.
	ErrDenominationExpired = errors.New("denomination expired for deposits")

	// ErrNotAudited indicates no configured auditor vouches for a
	// denomination of an exchange the merchant does not trust directly.
	ErrNotAudited = errors.New("denomination not vouched for by a trusted auditor")

	// ErrUnreachable indicates the exchange could not be reached or did
	// not answer in time.
	ErrUnreachable = errors.New("exchange unreachable")
)

// CoinRejectedError is returned when the exchange refuses to deposit a
// coin. Proof is the exchange's response body, forwarded to the client
// so it can prove the rejection to a third party.
type CoinRejectedError struct {
	StatusCode int
	Proof      json.RawMessage
}

func (e *CoinRejectedError) Error() string {
	return fmt.Sprintf("exchange rejected coin deposit with status %d", e.StatusCode)
}

// KeysError indicates the exchange's published key set was malformed
// or failed signature verification.
type KeysError struct {
	Err error
}

func (e KeysError) Error() string {
	return "invalid exchange key set: " + e.Err.Error()
}

func (e KeysError) Unwrap() error {
	return e.Err
}
