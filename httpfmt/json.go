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

// Package httpfmt implements the JSON request and response conventions
// of the merchant HTTP API.
package httpfmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorBody is the structured error payload returned by all handlers.
type ErrorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// JSON writes the data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, r *http.Request, data any, code int) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(r.Context(), "error marshalling json response", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	WriteRawJSON(w, r, body, code)
}

// WriteRawJSON writes an already-encoded JSON body with the given
// status code. Used to forward exchange proof bodies verbatim.
func WriteRawJSON(w http.ResponseWriter, r *http.Request, body []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		slog.ErrorContext(r.Context(), "error writing json response", "error", err)
	}
}

// JSONError writes a structured error response and marks the active
// span as errored.
func JSONError(w http.ResponseWriter, r *http.Request, msg, hint string, code int) {
	span := trace.SpanFromContext(r.Context())
	span.SetStatus(codes.Error, msg)

	JSON(w, r, ErrorBody{Error: msg, Hint: hint}, code)
}

// JSONBadRequest is a convenience function that returns a status 400 response.
func JSONBadRequest(w http.ResponseWriter, r *http.Request, msg, hint string) {
	JSONError(w, r, msg, hint, http.StatusBadRequest)
}

// JSONServerError is a convenience function that returns a status 500
// response without exposing error information to the client.
func JSONServerError(w http.ResponseWriter, r *http.Request) {
	JSONError(w, r, "internal server error", "", http.StatusInternalServerError)
}

// JSONHealthCheck writes a status 200 healthcheck response.
func JSONHealthCheck(w http.ResponseWriter, r *http.Request) {
	type body struct {
		Status string `json:"status"`
	}

	JSON(w, r, body{Status: "OK"}, http.StatusOK)
}

// DecodeJSONErrorAsError decodes a structured error body into an error.
func DecodeJSONErrorAsError(r io.Reader) (error, error) {
	tgt := ErrorBody{}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&tgt); err != nil {
		return nil, err
	}
	if tgt.Hint != "" {
		return fmt.Errorf("%s (%s)", tgt.Error, tgt.Hint), nil
	}
	return errors.New(tgt.Error), nil
}
