package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

// Store is the durable, encrypted-at-rest credential & quota store.
// It owns a single long-lived *sql.DB connection (spec §9 open
// question 1: a long-lived connection is acceptable so long as the
// active-singleton transaction stays atomic, which it does here via
// sql.Tx).
type Store struct {
	db    *sql.DB
	aead  *aead
}

// Open opens or creates the database at path and runs the init()
// migration, including the plaintext-leading-'{' auto-heal pass.
func Open(path string, keys KeyProvider) (*Store, error) {
	key, err := keys.MasterKey()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindConfig, "load master key", err)
	}
	a, err := newAEAD(key)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindConfig, "init cipher", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindStorage, "open database", err)
	}
	s := &Store{db: db, aead: a}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection. Safe to call once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// init ensures the schema exists (already done by Open→openDB→migrate)
// and re-encrypts any row whose token or quota column still holds
// plaintext JSON — the auto-heal migration spec §4.1/§3 requires.
// Idempotent: healed rows no longer match looksLikePlaintextJSON on a
// second run.
func (s *Store) init() error {
	rows, err := s.db.Query(`SELECT id, token, quota FROM accounts`)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "init: scan accounts", err)
	}
	type plaintextRow struct {
		id, token, quota string
	}
	var dirty []plaintextRow
	for rows.Next() {
		var r plaintextRow
		if err := rows.Scan(&r.id, &r.token, &r.quota); err != nil {
			rows.Close()
			return gatewayerr.Wrap(gatewayerr.KindStorage, "init: scan row", err)
		}
		if looksLikePlaintextJSON(r.token) || looksLikePlaintextJSON(r.quota) {
			dirty = append(dirty, r)
		}
	}
	rows.Close()

	for _, r := range dirty {
		token, quota := r.token, r.quota
		if looksLikePlaintextJSON(token) {
			enc, err := s.aead.encryptString(token)
			if err != nil {
				log.WithField("account_id", r.id).Warnf("store: failed to heal plaintext token: %v", err)
				continue
			}
			token = enc
		}
		if looksLikePlaintextJSON(quota) {
			enc, err := s.aead.encryptString(quota)
			if err != nil {
				log.WithField("account_id", r.id).Warnf("store: failed to heal plaintext quota: %v", err)
				continue
			}
			quota = enc
		}
		if _, err := s.db.Exec(`UPDATE accounts SET token = ?, quota = ? WHERE id = ?`, token, quota, r.id); err != nil {
			return gatewayerr.Wrap(gatewayerr.KindStorage, "init: heal plaintext row", err)
		}
		log.WithField("account_id", r.id).Info("store: healed plaintext-encrypted account row")
	}
	return nil
}

// Add upserts account by ID. If IsActive is set, all other rows'
// active flag are cleared in the same transaction (active-singleton
// invariant, spec §3).
func (s *Store) Add(account *Account) error {
	tokenJSON, err := json.Marshal(account.Token)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "marshal token", err)
	}
	quotaJSON, err := json.Marshal(account.Quota)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "marshal quota", err)
	}
	selectedJSON, err := json.Marshal(account.SelectedModels)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "marshal selected_models", err)
	}

	encToken, err := s.aead.encryptString(string(tokenJSON))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "encrypt token", err)
	}
	encQuota, err := s.aead.encryptString(string(quotaJSON))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "encrypt quota", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO accounts (id, provider, email, name, avatar_url, token, quota, created_at, last_used, status, is_active, selected_models)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider, email = excluded.email, name = excluded.name,
			avatar_url = excluded.avatar_url, token = excluded.token, quota = excluded.quota,
			created_at = excluded.created_at, last_used = excluded.last_used, status = excluded.status,
			is_active = excluded.is_active, selected_models = excluded.selected_models`,
		account.ID, account.Provider, account.Email, account.Name, account.AvatarURL,
		encToken, encQuota, account.CreatedAt, account.LastUsed, account.Status,
		boolToInt(account.IsActive), string(selectedJSON),
	)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "upsert account", err)
	}

	if account.IsActive {
		if _, err := tx.Exec(`UPDATE accounts SET is_active = 0 WHERE id != ?`, account.ID); err != nil {
			return gatewayerr.Wrap(gatewayerr.KindStorage, "demote other accounts", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "commit add", err)
	}
	return nil
}

// List returns all accounts ordered by LastUsed descending, decrypted.
func (s *Store) List() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT id, provider, email, name, avatar_url, token, quota, created_at, last_used, status, is_active, selected_models FROM accounts ORDER BY last_used DESC`)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindStorage, "list accounts", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		account, err := s.scanAccount(rows)
		if err != nil {
			// A single row's DecryptError must not poison the whole
			// store (spec §4.1): log it and continue with the rest.
			log.Warnf("store: skipping unreadable account row: %v", err)
			continue
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

// Get fetches a single account by ID, or (nil, nil) if absent.
func (s *Store) Get(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT id, provider, email, name, avatar_url, token, quota, created_at, last_used, status, is_active, selected_models FROM accounts WHERE id = ?`, id)
	account, err := s.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Remove deletes the account by ID.
func (s *Store) Remove(id string) error {
	if _, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "remove account", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row scanner) (*Account, error) {
	var a Account
	var name, avatar sql.NullString
	var encToken, encQuota, selectedJSON string
	var isActive int
	if err := row.Scan(&a.ID, &a.Provider, &a.Email, &name, &avatar, &encToken, &encQuota,
		&a.CreatedAt, &a.LastUsed, &a.Status, &isActive, &selectedJSON); err != nil {
		return nil, err
	}
	a.Name = name.String
	a.AvatarURL = avatar.String
	a.IsActive = isActive != 0

	tokenJSON, err := s.aead.decryptString(encToken)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindDecrypt, fmt.Sprintf("account %s: decrypt token", a.ID), err)
	}
	if tokenJSON != "" {
		if err := json.Unmarshal([]byte(tokenJSON), &a.Token); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindDecrypt, fmt.Sprintf("account %s: unmarshal token", a.ID), err)
		}
	}

	quotaJSON, err := s.aead.decryptString(encQuota)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindDecrypt, fmt.Sprintf("account %s: decrypt quota", a.ID), err)
	}
	if quotaJSON != "" && quotaJSON != "null" {
		if err := json.Unmarshal([]byte(quotaJSON), &a.Quota); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindDecrypt, fmt.Sprintf("account %s: unmarshal quota", a.ID), err)
		}
	}

	if selectedJSON != "" && selectedJSON != "null" {
		_ = json.Unmarshal([]byte(selectedJSON), &a.SelectedModels)
	}
	return &a, nil
}

// UpdateToken persists a (possibly refreshed) token for account id.
// Callers must never pass a token whose ExpiryTimestamp is earlier
// than the stored one (spec §3 invariant: monotonic non-decreasing).
func (s *Store) UpdateToken(id string, token Token) error {
	existing, err := s.Get(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return gatewayerr.New(gatewayerr.KindStorage, "update token: account not found")
	}
	if token.ExpiryTimestamp < existing.Token.ExpiryTimestamp {
		return gatewayerr.New(gatewayerr.KindStorage, "update token: expiry_timestamp must be monotonic non-decreasing")
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "marshal token", err)
	}
	enc, err := s.aead.encryptString(string(raw))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "encrypt token", err)
	}
	if _, err := s.db.Exec(`UPDATE accounts SET token = ? WHERE id = ?`, enc, id); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "update token", err)
	}
	return nil
}

// UpdateQuota replaces the quota map for account id.
func (s *Store) UpdateQuota(id string, quota Quota) error {
	raw, err := json.Marshal(quota)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "marshal quota", err)
	}
	enc, err := s.aead.encryptString(string(raw))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "encrypt quota", err)
	}
	if _, err := s.db.Exec(`UPDATE accounts SET quota = ? WHERE id = ?`, enc, id); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "update quota", err)
	}
	return nil
}

// UpdateSelectedModels replaces the user-chosen model filter.
func (s *Store) UpdateSelectedModels(id string, models []string) error {
	raw, err := json.Marshal(models)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "marshal selected_models", err)
	}
	if _, err := s.db.Exec(`UPDATE accounts SET selected_models = ? WHERE id = ?`, string(raw), id); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "update selected_models", err)
	}
	return nil
}

// UpdateStatus sets the account's lifecycle status.
func (s *Store) UpdateStatus(id string, status Status) error {
	if _, err := s.db.Exec(`UPDATE accounts SET status = ? WHERE id = ?`, status, id); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "update status", err)
	}
	return nil
}

// UpdateLastUsed stamps LastUsed to now (Unix seconds), supplied by
// the caller so tests can control the clock.
func (s *Store) UpdateLastUsed(id string, now int64) error {
	if _, err := s.db.Exec(`UPDATE accounts SET last_used = ? WHERE id = ?`, now, id); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "update last_used", err)
	}
	return nil
}

// SetActive transactionally demotes every account and promotes id,
// preserving the active-singleton invariant.
func (s *Store) SetActive(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE accounts SET is_active = 0`); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "demote all", err)
	}
	res, err := tx.Exec(`UPDATE accounts SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "promote account", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return gatewayerr.New(gatewayerr.KindStorage, "set active: account not found")
	}
	if err := tx.Commit(); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "commit set active", err)
	}
	return nil
}

// GetSetting reads a string-keyed JSON setting, returning def if unset.
func (s *Store) GetSetting(key, def string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, gatewayerr.Wrap(gatewayerr.KindStorage, "get setting", err)
	}
	return value, nil
}

// SetSetting upserts a string-keyed JSON setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "set setting", err)
	}
	return nil
}

// AutoSwitchEnabled reads the auto_switch_enabled setting (spec §3,
// default false).
func (s *Store) AutoSwitchEnabled() (bool, error) {
	value, err := s.GetSetting("auto_switch_enabled", "false")
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
