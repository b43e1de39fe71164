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
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmerchant/openmerchant/otel/otelutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExchangeConfig describes one exchange the merchant will work with.
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	// Trusted marks exchanges the merchant accepts unconditionally.
	// Coins from other configured exchanges are only accepted when a
	// configured auditor vouches for their denominations.
	Trusted bool `yaml:"trusted"`
}

// DirectoryConfig configures the exchange directory.
type DirectoryConfig struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	// Auditors are base64url Ed25519 public keys of auditors the
	// merchant trusts to vouch for exchanges.
	Auditors []string `yaml:"auditors"`
	// KeysExpireAfter bounds how long a fetched key set is served from
	// cache before it is fetched again.
	KeysExpireAfter time.Duration `yaml:"keys_expire_after"`
	MaxCacheSize    int           `yaml:"max_cache_size"`
}

func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		KeysExpireAfter: 15 * time.Minute,
		MaxCacheSize:    32,
	}
}

// Handle is a resolved exchange: a live client plus its verified key
// set and the merchant's trust decision about it.
type Handle struct {
	Client *Client
	Keys   *KeySet

	trusted  bool
	auditors map[string]ed25519.PublicKey
}

// Trusted reports whether the exchange is in the merchant's explicit
// trust list.
func (h *Handle) Trusted() bool {
	return h.trusted
}

// CheckCoinDenomination runs the mandatory audit policy for one coin's
// denomination: the master signature was already verified when the key
// set was built; on top of that, denominations of exchanges outside
// the explicit trust list must be vouched for by a configured auditor.
func (h *Handle) CheckCoinDenomination(dk *DenominationKey) error {
	if h.trusted {
		return nil
	}
	return h.Keys.CheckAudited(dk, h.auditors)
}

// Directory resolves exchange names to handles, caching fetched key
// sets with expiry. Cache entries do not live for the whole process;
// stale key sets are refetched.
type Directory struct {
	mu       sync.RWMutex
	cfg      DirectoryConfig
	byName   map[string]ExchangeConfig
	auditors map[string]ed25519.PublicKey
	hc       *http.Client
	cache    *lru.Cache[string, *directoryEntry]
}

type directoryEntry struct {
	handle    *Handle
	expiresAt time.Time
}

func (e *directoryEntry) isExpired() bool {
	return e.expiresAt.Before(time.Now())
}

// NewDirectory builds a directory from configuration. A nil httpClient
// uses a default with the otel transport.
func NewDirectory(cfg DirectoryConfig, httpClient *http.Client) (*Directory, error) {
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = DefaultDirectoryConfig().MaxCacheSize
	}
	if cfg.KeysExpireAfter <= 0 {
		cfg.KeysExpireAfter = DefaultDirectoryConfig().KeysExpireAfter
	}
	cache, err := lru.New[string, *directoryEntry](cfg.MaxCacheSize)
	if err != nil {
		// only happens for a non-positive size
		panic("failed to create LRU cache: " + err.Error())
	}

	byName := make(map[string]ExchangeConfig, len(cfg.Exchanges))
	for _, ec := range cfg.Exchanges {
		if ec.Name == "" || ec.BaseURL == "" {
			return nil, errors.New("exchange config entries need name and base_url")
		}
		byName[ec.Name] = ec
	}

	auditors := make(map[string]ed25519.PublicKey, len(cfg.Auditors))
	for _, a := range cfg.Auditors {
		pub, err := Encoding.DecodeString(a)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, errors.New("bad auditor public key in config: " + a)
		}
		auditors[a] = ed25519.PublicKey(pub)
	}

	return &Directory{
		cfg:      cfg,
		byName:   byName,
		auditors: auditors,
		hc:       httpClient,
		cache:    cache,
	}, nil
}

// Find resolves a named exchange, fetching its key set if no fresh
// cached copy exists. Returns ErrNotConfigured for names outside the
// merchant's configuration.
func (d *Directory) Find(ctx context.Context, name string) (*Handle, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "exchange.Directory.Find",
		trace.WithAttributes(attribute.String("exchange", name)))
	defer span.End()

	ec, ok := d.byName[name]
	if !ok {
		return nil, otelutil.RecordError(span, ErrNotConfigured)
	}

	d.mu.RLock()
	entry, exists := d.cache.Get(name)
	d.mu.RUnlock()
	if exists && !entry.isExpired() {
		span.SetStatus(codes.Ok, "cache hit")
		return entry.handle, nil
	}

	client := NewClient(ec.Name, ec.BaseURL, d.hc)

	var keys *KeySet
	if err := backoff.Retry(func() (err error) {
		ctx, span := otelutil.Tracer.Start(ctx, "exchange.Directory.Find.fetch")
		defer span.End()

		keys, err = client.FetchKeys(ctx)
		if err != nil {
			var keysErr KeysError
			if errors.As(err, &keysErr) {
				// a malformed or tampered key set will not fix itself
				return otelutil.RecordError(span, backoff.Permanent(err))
			}
			return otelutil.RecordError(span, err)
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}, backoff.WithContext(newFetchBackOff(), ctx)); err != nil {
		slog.ErrorContext(ctx, "failed to fetch exchange keys", "exchange", name, "error", err)
		return nil, err
	}

	handle := &Handle{
		Client:   client,
		Keys:     keys,
		trusted:  ec.Trusted,
		auditors: d.auditors,
	}

	d.mu.Lock()
	d.cache.Add(name, &directoryEntry{
		handle:    handle,
		expiresAt: time.Now().Add(d.cfg.KeysExpireAfter),
	})
	d.mu.Unlock()

	slog.InfoContext(ctx, "resolved exchange",
		"exchange", name,
		"trusted", ec.Trusted,
		"denominations", len(keys.Denominations()))
	return handle, nil
}

// Evict drops a cached handle, forcing the next Find to refetch.
func (d *Directory) Evict(name string) {
	d.mu.Lock()
	d.cache.Remove(name)
	d.mu.Unlock()
}

func newFetchBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return bo
}
