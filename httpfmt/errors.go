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

package httpfmt

import (
	"errors"
	"io"
	"net/http"
)

// MaxErrorBytes limits how much of an upstream error body is read,
// in case some service returns excessively large errors.
const MaxErrorBytes = 4096

// ParseBodyAsError attempts to parse an error from the response body
// and joins it with the original error. ParseBodyAsError closes the
// response body.
func ParseBodyAsError(resp *http.Response, err error) error {
	defer resp.Body.Close()

	reader := io.LimitReader(resp.Body, MaxErrorBytes)

	if resp.Header.Get("Content-Type") == "application/json" {
		causeErr, decErr := DecodeJSONErrorAsError(reader)
		return errors.Join(err, causeErr, decErr)
	}
	bdy, readErr := io.ReadAll(reader)
	causeErr := errors.New(string(bdy))
	return errors.Join(err, causeErr, readErr)
}
