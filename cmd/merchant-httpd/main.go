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

// Command merchant-httpd runs the merchant payment backend.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openmerchant "github.com/openmerchant/openmerchant"
	"github.com/openmerchant/openmerchant/app"
	"github.com/openmerchant/openmerchant/app/config"
	"github.com/openmerchant/openmerchant/app/httpapp"
	"github.com/openmerchant/openmerchant/events"
	"github.com/openmerchant/openmerchant/exchange"
	"github.com/openmerchant/openmerchant/httpapi"
	"github.com/openmerchant/openmerchant/internal/secrets"
	"github.com/openmerchant/openmerchant/otel/otelutil"
	"github.com/openmerchant/openmerchant/pay"
	"github.com/openmerchant/openmerchant/storage"
	"github.com/openmerchant/openmerchant/storage/inmem"
	"github.com/openmerchant/openmerchant/storage/postgres"
)

type MerchantConfig struct {
	// PrivateKey is the merchant's Ed25519 seed, encoded with the wire
	// encoding. An empty value generates an ephemeral key, which is only
	// useful for local development.
	PrivateKey string `yaml:"private_key"`
	// Currency this merchant instance accepts, e.g. EUR or KUDOS.
	Currency string `yaml:"currency"`
	// WireHash is the SHA-512 commitment to the merchant's bank account
	// details, encoded with the wire encoding.
	WireHash string `yaml:"wire_hash"`
}

type DatabaseConfig struct {
	// URL is a pgx connection string. An empty value selects the
	// in-memory store, which forgets everything on restart.
	URL secrets.String `yaml:"url"`
}

type Config struct {
	HTTP      *httpapp.Config          `yaml:"http"`
	Merchant  MerchantConfig           `yaml:"merchant"`
	Exchanges exchange.DirectoryConfig `yaml:"exchanges"`
	Pay       pay.Config               `yaml:"pay"`
	Database  DatabaseConfig           `yaml:"database"`
	Events    events.AMQPConfig        `yaml:"events"`
}

func (c *Config) IsValid() error {
	if c.Merchant.Currency == "" {
		return errors.New("merchant.currency must be set")
	}
	if len(c.Exchanges.Exchanges) == 0 {
		return errors.New("at least one exchange must be configured")
	}
	return nil
}

const serviceName = "merchant_httpd"

func main() {
	os.Exit(run())
}

func run() int {
	shutdown, err := otelutil.Init(context.Background(), serviceName)
	if err != nil {
		slog.Error("failed to init opentelemetry", "error", err)
		return 1
	}
	defer shutdown(context.Background())

	slog.SetDefault(slog.New(otelutil.NewSlogHandler(slog.NewJSONHandler(os.Stderr, nil))))

	ctx := context.Background()

	configFile, err := config.FilenameFromArgs(os.Args[1:])
	if err != nil {
		slog.Warn("failed to determine config file", "error", err)
	}

	// start with default config and override by loading from the YAML
	// file, which in turn may reference the environment.
	cfg := &Config{
		HTTP:      httpapp.DefaultConfig(),
		Exchanges: exchange.DefaultDirectoryConfig(),
		Pay:       pay.DefaultConfig(),
	}
	if err := config.Load(cfg, configFile); err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	merchant, err := loadMerchant(cfg.Merchant)
	if err != nil {
		slog.Error("failed to load merchant identity", "error", err)
		return 1
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelutil.NewTransport(http.DefaultTransport),
	}
	directory, err := exchange.NewDirectory(cfg.Exchanges, httpClient)
	if err != nil {
		slog.Error("failed to build exchange directory", "error", err)
		return 1
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open payment store", "error", err)
		return 1
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			slog.Error("failed to close payment store", "error", err)
		}
	}()

	publisher, err := openPublisher(cfg.Events)
	if err != nil {
		slog.Error("failed to connect event publisher", "error", err)
		return 1
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("failed to close event publisher", "error", err)
		}
	}()

	coordinator := pay.NewCoordinator(cfg.Pay, merchant, directory, store, publisher)
	server := httpapi.NewServer(coordinator)

	// run until a signal arrives, then drain in-flight payments.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, httpapp.New(cfg.HTTP, server))
}

func loadMerchant(cfg MerchantConfig) (*openmerchant.MerchantContext, error) {
	if cfg.PrivateKey == "" {
		slog.Warn("no merchant private key configured, generating an ephemeral one")
		return openmerchant.NewEphemeralMerchantContext(cfg.Currency)
	}

	seed, err := exchange.Encoding.DecodeString(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode merchant private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("merchant private key must be a %d byte seed", ed25519.SeedSize)
	}

	rawWireHash, err := exchange.Encoding.DecodeString(cfg.WireHash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wire hash: %w", err)
	}
	if len(rawWireHash) != sha512.Size {
		return nil, fmt.Errorf("wire hash must be %d bytes", sha512.Size)
	}
	var wireHash [sha512.Size]byte
	copy(wireHash[:], rawWireHash)

	return openmerchant.NewMerchantContext(ed25519.NewKeyFromSeed(seed), cfg.Currency, wireHash)
}

func openStore(ctx context.Context, cfg DatabaseConfig) (storage.Store, error) {
	url := cfg.URL.Consume()
	if url == "" {
		slog.Warn("no database configured, payments will not survive a restart")
		return inmem.NewStore(), nil
	}
	return postgres.NewStore(ctx, url)
}

func openPublisher(cfg events.AMQPConfig) (events.Publisher, error) {
	if len(cfg.URL.Bytes()) == 0 {
		slog.Info("no event broker configured, settlement events will not be published")
		return events.NoopPublisher{}, nil
	}
	return events.NewAMQPPublisher(cfg)
}
