package engine

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/celerix-dev/celerix-guard/pkg/engine"
)

const banSchema = `CREATE TABLE IF NOT EXISTS bans (
	user_id    TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteBanStore keeps the blacklist in a SQLite database.
type SQLiteBanStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteBanStore opens (creating if needed) the database at path and
// seeds it with initial IDs.
func OpenSQLiteBanStore(path string, initial []string, logger *zap.Logger) (*SQLiteBanStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(banSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bans table: %w", err)
	}

	s := &SQLiteBanStore{db: db, logger: logger.Named("banlist")}
	for _, id := range initial {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if _, err := s.Add(id); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLiteBanStore) Contains(userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM bans WHERE user_id = ?`, strings.TrimSpace(userID)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup ban: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteBanStore) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM bans ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	var list []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		list = append(list, id)
	}
	return list, rows.Err()
}

func (s *SQLiteBanStore) Add(userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, engine.ErrInvalidUserID
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO bans (user_id) VALUES (?)`, userID)
	if err != nil {
		return false, fmt.Errorf("add ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Info("user banned", zap.String("user_id", userID))
	}
	return n > 0, nil
}

func (s *SQLiteBanStore) Remove(userID string) error {
	userID = strings.TrimSpace(userID)
	res, err := s.db.Exec(`DELETE FROM bans WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("remove ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrBanNotFound
	}
	s.logger.Info("user unbanned", zap.String("user_id", userID))
	return nil
}

func (s *SQLiteBanStore) Close() error {
	return s.db.Close()
}

var _ engine.BanStore = (*SQLiteBanStore)(nil)
