package securestore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

const (
	backupVersion    = 1
	defaultCacheSize = 64
)

// ErrRollback is returned when a backup older than the current state is restored.
var ErrRollback = errors.New("securestore: backup is older than current state")

// SQLiteConfig configures an SQLiteStore.
type SQLiteConfig struct {
	// Path of the database file. Empty means an in-memory database.
	Path string
	// Namespace is recorded in backups and checked on restore.
	Namespace string
	// DEK is the 32-byte data encryption key. See DeriveDEK.
	DEK []byte
	// CacheSize bounds the decrypted-value cache. Zero uses the default,
	// a negative value disables caching.
	CacheSize int
}

// SQLiteStore keeps secrets in SQLite. Every value is sealed with
// XChaCha20-Poly1305 under the DEK, bound to its key as associated data, so
// the database file alone reveals only key names and write times.
//
// Each write bumps a rollback counter persisted in _metadata. Backups carry
// the counter and an HMAC, and RestoreBackup refuses snapshots older than the
// live database.
type SQLiteStore struct {
	db        *sql.DB
	dek       []byte
	macKey    []byte
	namespace string
	path      string
	cache     *valueCache

	rollbackCounter int64
	closed          bool

	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database and its schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if len(cfg.DEK) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("DEK must be %d bytes", chacha20poly1305.KeySize)
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection: an in-memory database exists per connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	macKey, err := deriveSubkey(cfg.DEK, "biolink securestore backup mac")
	if err != nil {
		db.Close()
		return nil, err
	}

	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = defaultCacheSize
	}

	s := &SQLiteStore{
		db:        db,
		dek:       append([]byte(nil), cfg.DEK...),
		macKey:    macKey,
		namespace: cfg.Namespace,
		path:      path,
		cache:     newValueCache(cacheSize),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	now := time.Now().Unix()
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO _metadata (key, value, updated_at)
		VALUES ('rollback_counter', '0', ?)
	`, now); err != nil {
		return err
	}

	var counter string
	if err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'rollback_counter'`).Scan(&counter); err != nil {
		return fmt.Errorf("failed to read rollback counter: %w", err)
	}
	n, err := strconv.ParseInt(counter, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt rollback counter %q: %w", counter, err)
	}
	s.rollbackCounter = n
	return nil
}

// Get returns the decrypted value for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}

	if v, ok := s.cache.get(key); ok {
		return v, true, nil
	}

	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read secret: %w", err)
	}

	plaintext, err := s.open(key, sealed)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	value := string(plaintext)
	s.cache.put(key, value)
	return value, true, nil
}

// Set encrypts and upserts value under key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany writes every value in one transaction.
func (s *SQLiteStore) SetMany(ctx context.Context, values map[string]string) error {
	sealed := make(map[string][]byte, len(values))
	for k, v := range values {
		if k == "" {
			return ErrInvalidKey
		}
		ct, err := s.seal(k, []byte(v))
		if err != nil {
			return fmt.Errorf("failed to encrypt secret: %w", err)
		}
		sealed[k] = ct
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, k := range sortedKeys(values) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO secrets (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, k, sealed[k], now); err != nil {
			return fmt.Errorf("failed to store secret: %w", err)
		}
	}
	if err := s.bumpRollbackCounter(ctx, tx, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.rollbackCounter++
	for k, v := range values {
		s.cache.put(k, v)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	now := time.Now().Unix()
	if err := s.bumpRollbackCounter(ctx, tx, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.rollbackCounter++
	s.cache.remove(key)
	return nil
}

// RollbackCounter returns the number of committed writes.
func (s *SQLiteStore) RollbackCounter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbackCounter
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.clear()
	return s.db.Close()
}

func (s *SQLiteStore) bumpRollbackCounter(ctx context.Context, tx *sql.Tx, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _metadata
		SET value = ?, updated_at = ?
		WHERE key = 'rollback_counter'
	`, strconv.FormatInt(s.rollbackCounter+1, 10), now)
	if err != nil {
		return fmt.Errorf("failed to update rollback counter: %w", err)
	}
	return nil
}

// ===============================
// Backup & Restore
// ===============================

// Backup is an encrypted, integrity-protected snapshot of an SQLiteStore.
type Backup struct {
	Version         int    `json:"version"`
	Namespace       string `json:"namespace"`
	RollbackCounter int64  `json:"rollback_counter"`
	Data            []byte `json:"data"`
	HMAC            []byte `json:"hmac"`
	CreatedAt       int64  `json:"created_at"`
}

type exportedSecret struct {
	Key       string `json:"key"`
	Sealed    []byte `json:"sealed"`
	UpdatedAt int64  `json:"updated_at"`
}

// CreateBackup snapshots every secret. Values stay sealed under the DEK and
// the snapshot is sealed again as a whole.
func (s *SQLiteStore) CreateBackup(ctx context.Context) (*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM secrets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to export secrets: %w", err)
	}
	defer rows.Close()

	var secrets []exportedSecret
	for rows.Next() {
		var es exportedSecret
		if err := rows.Scan(&es.Key, &es.Sealed, &es.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		secrets = append(secrets, es)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to export secrets: %w", err)
	}

	export, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	data, err := s.seal(backupAD(s.namespace), export)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}

	return &Backup{
		Version:         backupVersion,
		Namespace:       s.namespace,
		RollbackCounter: s.rollbackCounter,
		Data:            data,
		HMAC:            s.backupMAC(data),
		CreatedAt:       time.Now().Unix(),
	}, nil
}

// RestoreBackup replaces every secret with the backup contents.
func (s *SQLiteStore) RestoreBackup(ctx context.Context, backup *Backup) error {
	if backup == nil {
		return errors.New("securestore: nil backup")
	}
	if backup.Version != backupVersion {
		return fmt.Errorf("unsupported backup version %d", backup.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if backup.Namespace != s.namespace {
		return fmt.Errorf("backup namespace %q does not match store namespace %q", backup.Namespace, s.namespace)
	}
	if !hmac.Equal(backup.HMAC, s.backupMAC(backup.Data)) {
		return errors.New("backup HMAC verification failed")
	}
	if backup.RollbackCounter < s.rollbackCounter {
		return fmt.Errorf("%w: backup counter %d < current %d", ErrRollback, backup.RollbackCounter, s.rollbackCounter)
	}

	export, err := s.open(backupAD(s.namespace), backup.Data)
	if err != nil {
		return fmt.Errorf("failed to decrypt backup: %w", err)
	}
	var secrets []exportedSecret
	if err := json.Unmarshal(export, &secrets); err != nil {
		return fmt.Errorf("failed to decode backup: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM secrets`); err != nil {
		return fmt.Errorf("failed to clear secrets: %w", err)
	}
	for _, es := range secrets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		`, es.Key, es.Sealed, es.UpdatedAt); err != nil {
			return fmt.Errorf("failed to import secret: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _metadata SET value = ?, updated_at = ? WHERE key = 'rollback_counter'
	`, strconv.FormatInt(backup.RollbackCounter, 10), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to update rollback counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.rollbackCounter = backup.RollbackCounter
	s.cache.clear()
	return nil
}

func (s *SQLiteStore) backupMAC(data []byte) []byte {
	h := hmac.New(sha256.New, s.macKey)
	h.Write(data)
	return h.Sum(nil)
}

func backupAD(namespace string) string {
	return "backup:" + namespace
}

// ===============================
// Encryption Helpers
// ===============================

// seal encrypts plaintext with XChaCha20-Poly1305, prepending the nonce.
func (s *SQLiteStore) seal(key string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s *SQLiteStore) open(key string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
}
