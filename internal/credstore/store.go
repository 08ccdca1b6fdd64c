// Package credstore resolves decrypted bearer credentials for outbound calls.
// Tokens are AES-GCM encrypted at rest; the plaintext exists only in memory for
// the duration of a call and is never logged.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// ErrCredentialNotFound is returned when no active credential matches the id.
var ErrCredentialNotFound = errors.New("credential not found")

// Store resolves credentials from the credentials table.
type Store struct {
	db     *sqlx.DB
	aead   cipher.AEAD
	logger *slog.Logger
}

// New creates a store. keyHex must decode to a 32-byte AES-256 key.
func New(db *sqlx.DB, keyHex string, logger *slog.Logger) (*Store, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid credential encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, aead: aead, logger: logger}, nil
}

// Resolve returns the decrypted bearer token for a credential id.
func (s *Store) Resolve(ctx context.Context, credentialID string) (string, error) {
	var encrypted []byte
	query := `
		SELECT token_encrypted
		FROM credentials
		WHERE credential_id = $1 AND active = TRUE
	`
	if err := s.db.GetContext(ctx, &encrypted, query, credentialID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("failed to load credential: %w", err)
	}

	token, err := s.decrypt(encrypted)
	if err != nil {
		s.logger.Error("Failed to decrypt credential",
			slog.String("credential_id", credentialID),
		)
		return "", &domain.RemoteError{Code: domain.CodeInvalidCredential, Message: "credential undecryptable"}
	}
	return token, nil
}

// ListRecords returns all credential records for seeding the rate-limit
// tracker. Token material is not included.
func (s *Store) ListRecords(ctx context.Context) ([]domain.CredentialRecord, error) {
	rows := []struct {
		CredentialID string `db:"credential_id"`
		OwnerUserID  string `db:"owner_user_id"`
		Pool         bool   `db:"pool"`
		Active       bool   `db:"active"`
	}{}
	query := `
		SELECT credential_id, owner_user_id, pool, active
		FROM credentials
		ORDER BY credential_id
	`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	out := make([]domain.CredentialRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.CredentialRecord{
			CredentialID: r.CredentialID,
			OwnerUserID:  r.OwnerUserID,
			Pool:         r.Pool,
			Active:       r.Active,
		}
	}
	return out, nil
}

// Encrypt seals a plaintext token for storage. Used by provisioning tooling
// that loads credentials.
func (s *Store) Encrypt(token string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(token), nil), nil
}

func (s *Store) decrypt(encrypted []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(encrypted) < ns {
		return "", errors.New("ciphertext shorter than nonce")
	}
	plain, err := s.aead.Open(nil, encrypted[:ns], encrypted[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
