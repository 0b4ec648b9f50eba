// Package credentials stores user exchange API keys encrypted at rest.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/pkg/crypto"
	"autotrader/pkg/exchanges/common"
	"autotrader/pkg/store"
)

// ErrNoCredentials is returned when the user has no key saved for an exchange.
var ErrNoCredentials = errors.New("credentials: none saved for exchange")

// record is the persisted shape; secret fields hold ciphertext.
type record struct {
	Exchange   string    `json:"exchange"`
	APIKey     string    `json:"api_key"`
	APISecret  string    `json:"api_secret"`
	Passphrase string    `json:"passphrase,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// KeyInfo is the redacted listing shape returned to clients.
type KeyInfo struct {
	Exchange      string    `json:"exchange"`
	APIKeyMasked  string    `json:"api_key_masked"`
	HasPassphrase bool      `json:"has_passphrase"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Vault persists per-user exchange credentials through the store, encrypting
// every secret field with AES-GCM before it leaves the process.
type Vault struct {
	store store.Store
	enc   *crypto.Encryptor
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewVault(st store.Store, enc *crypto.Encryptor, log *zap.SugaredLogger) *Vault {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Vault{store: st, enc: enc, log: log, now: time.Now}
}

func keyPath(userID, exchange string) string {
	return fmt.Sprintf("exchange_keys/%s/%s", userID, exchange)
}

// Save encrypts and stores the credentials, replacing any existing key for
// the exchange.
func (v *Vault) Save(ctx context.Context, userID, exchange string, creds common.Credentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return errors.New("credentials: api key and secret are required")
	}

	rec := record{
		Exchange:  exchange,
		CreatedAt: v.now(),
		UpdatedAt: v.now(),
	}
	var old record
	if err := v.store.Get(ctx, keyPath(userID, exchange), &old); err == nil {
		rec.CreatedAt = old.CreatedAt
	}

	var err error
	if rec.APIKey, err = v.enc.Encrypt(creds.APIKey); err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	if rec.APISecret, err = v.enc.Encrypt(creds.APISecret); err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}
	if creds.Passphrase != "" {
		if rec.Passphrase, err = v.enc.Encrypt(creds.Passphrase); err != nil {
			return fmt.Errorf("encrypt passphrase: %w", err)
		}
	}
	return v.store.Set(ctx, keyPath(userID, exchange), rec)
}

// Get decrypts and returns the user's credentials for the exchange.
func (v *Vault) Get(ctx context.Context, userID, exchange string) (common.Credentials, error) {
	var rec record
	err := v.store.Get(ctx, keyPath(userID, exchange), &rec)
	if errors.Is(err, store.ErrNotFound) {
		return common.Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return common.Credentials{}, err
	}

	var creds common.Credentials
	if creds.APIKey, err = v.enc.Decrypt(rec.APIKey); err != nil {
		return common.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	if creds.APISecret, err = v.enc.Decrypt(rec.APISecret); err != nil {
		return common.Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	if rec.Passphrase != "" {
		if creds.Passphrase, err = v.enc.Decrypt(rec.Passphrase); err != nil {
			return common.Credentials{}, fmt.Errorf("decrypt passphrase: %w", err)
		}
	}
	return creds, nil
}

// List returns redacted key info for every exchange the user has saved.
func (v *Vault) List(ctx context.Context, userID string) ([]KeyInfo, error) {
	rows, err := v.store.List(ctx, "exchange_keys/"+userID)
	if err != nil {
		return nil, err
	}
	infos := make([]KeyInfo, 0, len(rows))
	for exchange, raw := range rows {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			v.log.Warnw("skipping malformed key record", "user_id", userID, "exchange", exchange, "error", err)
			continue
		}
		masked := "****"
		if plain, err := v.enc.Decrypt(rec.APIKey); err == nil && len(plain) > 4 {
			masked = plain[:4] + "****"
		}
		infos = append(infos, KeyInfo{
			Exchange:      exchange,
			APIKeyMasked:  masked,
			HasPassphrase: rec.Passphrase != "",
			UpdatedAt:     rec.UpdatedAt,
		})
	}
	return infos, nil
}

// Delete removes the user's key for the exchange.
func (v *Vault) Delete(ctx context.Context, userID, exchange string) error {
	return v.store.Delete(ctx, keyPath(userID, exchange))
}
