package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"
)

const (
	DefaultDatabasePath = "./crm_automation.db"
)

// Storage owns the database handle shared by the rule store and the
// execution ledger.
type Storage struct {
	db *sql.DB
}

func New() (*Storage, error) {

	viper.SetDefault("database.path", DefaultDatabasePath)

	return Open(viper.GetString("database.path"))
}

func Open(dbPath string) (*Storage, error) {

	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) Close() error {
	return s.db.Close()
}
