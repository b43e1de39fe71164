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

// Command mem-exchange runs an in-memory exchange for local development.
// It mints coins on demand and accepts deposits without any real money
// moving anywhere.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/openmerchant/openmerchant/exchange"
	"github.com/openmerchant/openmerchant/exchange/exchangetest"
)

func main() {
	fmt.Println("Running an in-memory exchange on :3500")

	ex, err := exchangetest.New("KUDOS", []exchangetest.DenomSpec{
		{Value: "KUDOS:5", FeeDeposit: "KUDOS:0.01"},
		{Value: "KUDOS:1", FeeDeposit: "KUDOS:0.01"},
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Println("master_pub:", exchange.Encoding.EncodeToString(ex.MasterPub))

	// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
	err = http.ListenAndServe(":3500", ex.Handler())
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
