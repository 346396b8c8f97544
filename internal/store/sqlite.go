package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default Store implementation, grounded on
// securityclippy-ocm's internal/store package (migrate-on-open, a
// sync.RWMutex guarding ad-hoc statements over a single *sql.DB).
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or migrates a SQLite-backed Store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DBForTest exposes the underlying *sql.DB for tests in other packages
// that need to seed or assert on rows the Store interface doesn't expose
// (e.g. blacklist flags).
func (s *SQLiteStore) DBForTest() *sql.DB { return s.db }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			uuid TEXT PRIMARY KEY,
			serial_number INTEGER NOT NULL,
			command TEXT NOT NULL,
			params TEXT NOT NULL,
			run_at INTEGER NOT NULL DEFAULT 0,
			submitted_by TEXT NOT NULL,
			status TEXT NOT NULL,
			error_code INTEGER NOT NULL DEFAULT 0,
			error_text TEXT NOT NULL DEFAULT '',
			results TEXT NOT NULL DEFAULT '',
			executed INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_serial ON commands(serial_number)`,
		`CREATE TABLE IF NOT EXISTS devices (
			serial_number INTEGER PRIMARY KEY,
			capabilities TEXT NOT NULL DEFAULT '',
			firmware TEXT NOT NULL DEFAULT '',
			blacklisted INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '',
			config_uuid INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			serial_number INTEGER NOT NULL,
			uuid INTEGER NOT NULL,
			state TEXT NOT NULL,
			recorded INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS healthchecks (
			serial_number INTEGER NOT NULL,
			uuid INTEGER NOT NULL,
			sanity INTEGER NOT NULL,
			data TEXT NOT NULL,
			recorded INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_logs (
			serial_number INTEGER NOT NULL,
			log TEXT NOT NULL,
			severity INTEGER NOT NULL,
			log_type TEXT NOT NULL DEFAULT '',
			recorded INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS command_files (
			uuid TEXT NOT NULL,
			file_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AddCommand(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO commands (uuid, serial_number, command, params, run_at, submitted_by, status, error_code, error_text, results, executed, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			error_text = excluded.error_text,
			results = excluded.results,
			executed = excluded.executed,
			completed = excluded.completed
	`, cmd.UUID, cmd.SerialNumber, cmd.Command, cmd.Params, cmd.RunAt, cmd.SubmittedBy,
		cmd.Status, cmd.ErrorCode, cmd.ErrorText, cmd.Results, cmd.Executed, cmd.Completed)
	return err
}

func (s *SQLiteStore) GetCommand(uuid string) (Command, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Command
	err := s.db.QueryRow(`
		SELECT uuid, serial_number, command, params, run_at, submitted_by, status, error_code, error_text, results, executed, completed
		FROM commands WHERE uuid = ?
	`, uuid).Scan(&c.UUID, &c.SerialNumber, &c.Command, &c.Params, &c.RunAt, &c.SubmittedBy,
		&c.Status, &c.ErrorCode, &c.ErrorText, &c.Results, &c.Executed, &c.Completed)
	if err == sql.ErrNoRows {
		return Command{}, false, nil
	}
	if err != nil {
		return Command{}, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) UpdateCommandStatus(uuid string, status CommandStatus, errCode int, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var completed int64
	if status == StatusCompleted || status == StatusFailed {
		completed = now()
	}
	_, err := s.db.Exec(`
		UPDATE commands SET status = ?, error_code = ?, error_text = ?, completed = ? WHERE uuid = ?
	`, status, errCode, errText, completed, uuid)
	return err
}

func (s *SQLiteStore) SetCommandResult(uuid string, results string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE commands SET results = ? WHERE uuid = ?`, results, uuid)
	return err
}

func (s *SQLiteStore) ExistingConfiguration(serial uint64, currentUUID uint64) (string, uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var config string
	var configUUID uint64
	err := s.db.QueryRow(`SELECT config, config_uuid FROM devices WHERE serial_number = ?`, serial).
		Scan(&config, &configUUID)
	if err == sql.ErrNoRows || config == "" {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	if configUUID <= currentUUID {
		return "", 0, false, nil
	}
	return config, configUUID, true, nil
}

func (s *SQLiteStore) IsBlacklisted(serial uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var blacklisted int
	err := s.db.QueryRow(`SELECT blacklisted FROM devices WHERE serial_number = ?`, serial).Scan(&blacklisted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return blacklisted != 0, nil
}

func (s *SQLiteStore) CreateDefaultDevice(serial uint64, capabilities string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO devices (serial_number, capabilities) VALUES (?, ?)
		ON CONFLICT(serial_number) DO NOTHING
	`, serial, capabilities)
	return err
}

func (s *SQLiteStore) DeviceExists(serial uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM devices WHERE serial_number = ?`, serial).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdateCapabilities(serial uint64, capabilities string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO devices (serial_number, capabilities) VALUES (?, ?)
		ON CONFLICT(serial_number) DO UPDATE SET capabilities = excluded.capabilities
	`, serial, capabilities)
	return err
}

func (s *SQLiteStore) SetFirmware(serial uint64, firmware string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO devices (serial_number, firmware) VALUES (?, ?)
		ON CONFLICT(serial_number) DO UPDATE SET firmware = excluded.firmware
	`, serial, firmware)
	return err
}

func (s *SQLiteStore) AddStatistics(serial uint64, uuid uint64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO statistics (serial_number, uuid, state, recorded) VALUES (?, ?, ?, ?)`,
		serial, uuid, state, now())
	return err
}

func (s *SQLiteStore) AddHealthcheck(serial uint64, uuid uint64, sanity int, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO healthchecks (serial_number, uuid, sanity, data, recorded) VALUES (?, ?, ?, ?, ?)`,
		serial, uuid, sanity, data, now())
	return err
}

func (s *SQLiteStore) AddLog(serial uint64, text string, severity int, logType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO device_logs (serial_number, log, severity, log_type, recorded) VALUES (?, ?, ?, ?, ?)`,
		serial, text, severity, logType, now())
	return err
}

func (s *SQLiteStore) AttachFileToCommand(uuid string, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO command_files (uuid, file_id) VALUES (?, ?)`, uuid, fileID)
	return err
}

var _ Store = (*SQLiteStore)(nil)
