package store

import (
	"database/sql"
	"fmt"
	"time"
)

var backupKeys = []string{
	"backup_enabled",
	"backup_bucket",
	"backup_endpoint",
	"backup_region",
	"backup_interval_hours",
}

type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting %q not found", key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

func (s *SettingsStore) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetBackupSettings returns the backup configuration keys, with missing keys
// as empty strings.
func (s *SettingsStore) GetBackupSettings() (map[string]string, error) {
	settings := make(map[string]string, len(backupKeys))
	for _, key := range backupKeys {
		settings[key] = ""
	}

	rows, err := s.db.Query(
		`SELECT key, value FROM settings WHERE key IN (?, ?, ?, ?, ?)`,
		backupKeys[0], backupKeys[1], backupKeys[2], backupKeys[3], backupKeys[4],
	)
	if err != nil {
		return nil, fmt.Errorf("get backup settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *SettingsStore) SetBackupSettings(values map[string]string) error {
	for _, key := range backupKeys {
		if v, ok := values[key]; ok {
			if err := s.Set(key, v); err != nil {
				return err
			}
		}
	}
	return nil
}
