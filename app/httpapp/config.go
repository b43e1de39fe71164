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

package httpapp

import "time"

type Config struct {
	// Port the HTTP server listens on.
	Port string `yaml:"port"`

	// ReadTimeout is the maximum duration for reading an entire
	// request, body included. Zero or negative disables it.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ReadHeaderTimeout is the time allowed to read request headers.
	// If zero, ReadTimeout applies.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// WriteTimeout caps writing a response. It has to leave room for
	// the deposit phase of a payment, which can take the full deposit
	// timeout.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is how long a keep-alive connection may sit idle.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RequestLogging enables the request logging middleware.
	RequestLogging bool `yaml:"request_logging"`
}

func DefaultConfig() *Config {
	return &Config{
		Port:              "8000",
		ReadTimeout:       300 * time.Second,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		RequestLogging:    true,
	}
}
