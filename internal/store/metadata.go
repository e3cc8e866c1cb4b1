package store

import (
	"database/sql"
	"errors"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func importKey(dataset, path string) string {
	return "import:" + dataset + ":" + path
}

// GetImportedFileHash returns the hash recorded when path was imported into
// dataset, or "" if it never was.
func (s *Store) GetImportedFileHash(dataset, path string) (string, error) {
	return s.GetMetadata(importKey(dataset, path))
}

// SetImportedFileHash records that path with the given hash was imported
// into dataset.
func (s *Store) SetImportedFileHash(dataset, path, hash string) error {
	return s.SetMetadata(importKey(dataset, path), hash)
}
