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

// Package httpapi exposes the merchant's payment API over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openmerchant/openmerchant/httpfmt"
	"github.com/openmerchant/openmerchant/otel/otelutil"
	"github.com/openmerchant/openmerchant/pay"
)

// maxRequestBytes bounds the /pay request body. A payment of a few
// hundred coins stays well below this.
const maxRequestBytes = 1 << 20

// Server routes the merchant payment API.
type Server struct {
	handler http.Handler
}

func NewServer(coordinator *pay.Coordinator) *Server {
	mux := http.NewServeMux()
	otelutil.ServeMuxHandle(mux, "POST /pay", NewPayHandler(coordinator))
	otelutil.ServeMuxHandle(mux, "GET /check-payment", NewCheckPaymentHandler(coordinator))
	otelutil.ServeMuxHandleFunc(mux, "GET /_health", httpfmt.JSONHealthCheck)
	return &Server{handler: mux}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// NewPayHandler serves POST /pay. A completed payment, including the
// idempotent replay of an already-paid transaction, answers 200 with
// an empty body.
func NewPayHandler(coordinator *pay.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pay.Request
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
			httpfmt.JSONBadRequest(w, r, "malformed payment request", "body is not valid JSON")
			return
		}

		err := coordinator.Pay(r.Context(), &req)
		if err == nil {
			w.WriteHeader(http.StatusOK)
			return
		}

		var (
			rejected  *pay.CoinRejectedError
			clientErr *pay.ClientError
		)
		switch {
		case errors.As(err, &rejected):
			writeCoinRejection(w, r, rejected)
		case errors.As(err, &clientErr):
			httpfmt.JSONError(w, r, clientErr.Msg, clientErr.Hint, clientErr.StatusCode)
		case errors.Is(err, pay.ErrUnavailable):
			httpfmt.JSONError(w, r, "service unavailable", "retry later", http.StatusServiceUnavailable)
		default:
			slog.ErrorContext(r.Context(), "payment failed", "error", err)
			httpfmt.JSONServerError(w, r)
		}
	}
}

// writeCoinRejection forwards the exchange's proof body at the
// exchange's status code, augmented with the offending coin so the
// client knows which coin to dispute.
func writeCoinRejection(w http.ResponseWriter, r *http.Request, rejected *pay.CoinRejectedError) {
	var doc map[string]any
	if err := json.Unmarshal(rejected.Proof, &doc); err != nil || doc == nil {
		doc = map[string]any{"error": "exchange rejected coin"}
	}
	doc["coin_pub"] = rejected.CoinPub

	body, err := json.Marshal(doc)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to encode rejection proof", "error", err)
		httpfmt.JSONServerError(w, r)
		return
	}
	httpfmt.WriteRawJSON(w, r, body, rejected.StatusCode)
}

// NewCheckPaymentHandler serves GET /check-payment?transaction_id=N.
func NewCheckPaymentHandler(coordinator *pay.Coordinator) http.HandlerFunc {
	type response struct {
		Paid bool `json:"paid"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		transactionID, err := strconv.ParseUint(r.URL.Query().Get("transaction_id"), 10, 64)
		if err != nil {
			httpfmt.JSONBadRequest(w, r, "malformed request", "transaction_id must be an unsigned integer")
			return
		}
		paid, err := coordinator.IsPaid(r.Context(), transactionID)
		if err != nil {
			slog.ErrorContext(r.Context(), "payment status lookup failed", "error", err)
			httpfmt.JSONError(w, r, "service unavailable", "retry later", http.StatusServiceUnavailable)
			return
		}
		httpfmt.JSON(w, r, response{Paid: paid}, http.StatusOK)
	}
}
