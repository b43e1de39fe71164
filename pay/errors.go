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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable classifies failures the client should retry later:
// exchange unreachable, deposit timeout, persistence outage. The HTTP
// layer maps it to 503.
var ErrUnavailable = errors.New("payment could not be completed, retry later")

// ClientError rejects a payment for a reason the client caused. Never
// retried by the merchant; the HTTP layer maps it to StatusCode with
// an {error, hint} body.
type ClientError struct {
	StatusCode int
	Msg        string
	Hint       string
}

func (e *ClientError) Error() string {
	if e.Hint == "" {
		return e.Msg
	}
	return e.Msg + ": " + e.Hint
}

func badRequest(msg, hint string) *ClientError {
	return &ClientError{StatusCode: http.StatusBadRequest, Msg: msg, Hint: hint}
}

func errExchangeNotSupported(hint string) *ClientError {
	return &ClientError{StatusCode: http.StatusForbidden, Msg: "exchange not supported", Hint: hint}
}

var errInsufficientFunds = &ClientError{
	StatusCode: http.StatusNotAcceptable,
	Msg:        "insufficient funds",
}

// CoinRejectedError reports that the exchange refused one coin of the
// payment. The whole payment is aborted; Proof is the exchange's
// response body, forwarded to the client together with the offending
// coin so it can take the dispute to the exchange.
type CoinRejectedError struct {
	// CoinPub is the base64url public key of the rejected coin.
	CoinPub    string
	StatusCode int
	Proof      json.RawMessage
}

func (e *CoinRejectedError) Error() string {
	return fmt.Sprintf("exchange rejected coin %s with status %d", e.CoinPub, e.StatusCode)
}
