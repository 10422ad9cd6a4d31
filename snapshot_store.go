package pulseopt

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SnapshotStoreConfig configures the SQLite snapshot store.
type SnapshotStoreConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path"`

	// CacheSize is the SQLite page cache size in KB.
	CacheSize int `yaml:"cacheSize"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE).
	JournalMode string `yaml:"journalMode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL).
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int `yaml:"busyTimeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `yaml:"maxConnections"`
}

// DefaultSnapshotStoreConfig returns default store configuration.
func DefaultSnapshotStoreConfig() SnapshotStoreConfig {
	return SnapshotStoreConfig{
		Path:           "pulseopt.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("pulseopt: snapshot store is closed")

// ErrSnapshotNotFound is returned when no snapshot exists for a period.
var ErrSnapshotNotFound = errors.New("pulseopt: snapshot not found")

// SnapshotStore persists aggregation snapshots to SQLite so history
// survives restarts and stays queryable with standard SQLite tools.
type SnapshotStore struct {
	db     *sql.DB
	config SnapshotStoreConfig
	mu     sync.RWMutex
	closed bool

	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt
}

// NewSnapshotStore opens (creating if needed) the snapshot database.
func NewSnapshotStore(config SnapshotStoreConfig) (*SnapshotStore, error) {
	if config.Path == "" {
		config.Path = "pulseopt.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SnapshotStore{db: db, config: config}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize snapshot schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare snapshot statements: %w", err)
	}
	return store, nil
}

func (s *SnapshotStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			period TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			health_score REAL NOT NULL,
			metric_count INTEGER NOT NULL,
			data BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *SnapshotStore) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO snapshots (period, type, created_at, health_score, metric_count, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.selectStmt, err = s.db.Prepare(`SELECT data FROM snapshots WHERE period = ?`)
	if err != nil {
		return err
	}
	s.deleteStmt, err = s.db.Prepare(`DELETE FROM snapshots WHERE created_at < ?`)
	if err != nil {
		return err
	}
	s.listStmt, err = s.db.Prepare(`SELECT period FROM snapshots ORDER BY period`)
	if err != nil {
		return err
	}
	return nil
}

// SaveSnapshot upserts a snapshot keyed by its period.
func (s *SnapshotStore) SaveSnapshot(snap MetricsSnapshot) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.insertStmt.Exec(
		snap.Period,
		snap.Type,
		snap.Timestamp.UnixMilli(),
		snap.Aggregated.Overview.HealthScore,
		len(snap.Metrics),
		data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Period, err)
	}
	return nil
}

// LoadSnapshot fetches the snapshot stored for a period key.
func (s *SnapshotStore) LoadSnapshot(period string) (MetricsSnapshot, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return MetricsSnapshot{}, ErrStoreClosed
	}
	s.mu.RUnlock()

	var data []byte
	err := s.selectStmt.QueryRow(period).Scan(&data)
	if err == sql.ErrNoRows {
		return MetricsSnapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, period)
	}
	if err != nil {
		return MetricsSnapshot{}, fmt.Errorf("load snapshot %s: %w", period, err)
	}

	var snap MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return MetricsSnapshot{}, fmt.Errorf("decode snapshot %s: %w", period, err)
	}
	return snap, nil
}

// Periods lists all stored period keys in order.
func (s *SnapshotStore) Periods() ([]string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	rows, err := s.listStmt.Query()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var periods []string
	for rows.Next() {
		var period string
		if err := rows.Scan(&period); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		periods = append(periods, period)
	}
	return periods, rows.Err()
}

// DeleteOlderThan removes snapshots created before cutoff and reports how
// many were deleted.
func (s *SnapshotStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	s.mu.RUnlock()

	res, err := s.deleteStmt.Exec(cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the prepared statements and the database handle.
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.insertStmt, s.selectStmt, s.deleteStmt, s.listStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
