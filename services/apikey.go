package services

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opspulse/oncall/db"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyService issues and verifies keys for integration callers of the
// trigger webhook. Keys are of the form "<id>.<secret>"; only a bcrypt
// hash of the secret is stored.
type APIKeyService struct {
	PG *sql.DB
}

func NewAPIKeyService(pg *sql.DB) *APIKeyService {
	return &APIKeyService{PG: pg}
}

// CreateKey mints a new key and returns it in clear exactly once.
func (s *APIKeyService) CreateKey(projectID, name string) (db.APIKey, string, error) {
	var key db.APIKey

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return key, "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return key, "", fmt.Errorf("failed to hash key secret: %w", err)
	}

	key = db.APIKey{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		KeyHash:   string(hash),
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	_, err = s.PG.Exec(`
		INSERT INTO api_keys (id, project_id, name, key_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.ProjectID, key.Name, key.KeyHash, key.IsActive, key.CreatedAt)
	if err != nil {
		return key, "", fmt.Errorf("failed to insert api key: %w", err)
	}

	return key, key.ID + "." + secret, nil
}

// Verify checks a presented "<id>.<secret>" key and returns the matching
// record. Updates last_used_at on success, best effort.
func (s *APIKeyService) Verify(presented string) (db.APIKey, error) {
	var key db.APIKey

	id, secret, ok := strings.Cut(presented, ".")
	if !ok || id == "" || secret == "" {
		return key, fmt.Errorf("malformed api key")
	}

	err := s.PG.QueryRow(`
		SELECT id, project_id, name, key_hash, is_active, created_at
		FROM api_keys
		WHERE id = $1 AND is_active = true`, id).Scan(
		&key.ID, &key.ProjectID, &key.Name, &key.KeyHash, &key.IsActive, &key.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return key, fmt.Errorf("unknown api key")
		}
		return key, fmt.Errorf("failed to look up api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return key, fmt.Errorf("invalid api key")
	}

	_, _ = s.PG.Exec(`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, key.ID)
	return key, nil
}


// RevokeKey deactivates a key without deleting its audit record.
func (s *APIKeyService) RevokeKey(id string) error {
	result, err := s.PG.Exec(`UPDATE api_keys SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("api key not found: %s", id)
	}
	return nil
}
