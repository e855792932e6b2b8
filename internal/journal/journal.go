package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"venuelink/internal/config"
	"venuelink/internal/engine"
)

// Journal 把订单状态迁移落到 SQLite，用于事后对账与排查。
// 写入是尽力而为的审计流水，不承诺跨进程重启的恰好一次语义。
type Journal struct {
	db *sql.DB
}

// Entry 为一条已落库的迁移流水。
type Entry struct {
	LocalID    string
	DealID     string
	Status     string
	Reason     string
	FillPrice  sql.NullFloat64
	FillSize   sql.NullFloat64
	RecordedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS order_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	local_id TEXT NOT NULL,
	deal_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	fill_price REAL,
	fill_size REAL,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_order_transitions_local ON order_transitions(local_id);
`

// Open 根据配置初始化流水库并建表。
func Open(cfg config.DatabaseConfig) (*Journal, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("打开流水数据库失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if !cfg.InMemory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("设置 SQLite WAL 模式失败: %w", err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("初始化流水表失败: %w", err)
	}

	return &Journal{db: conn}, nil
}

// RecordTransition 追加一条迁移流水。
func (j *Journal) RecordTransition(t engine.Transition) error {
	_, err := j.db.Exec(
		`INSERT INTO order_transitions (local_id, deal_id, status, reason, fill_price, fill_size)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.LocalID, t.DealID, string(t.Status), t.Reason,
		nullableFloat(t.FillPrice), nullableFloat(t.FillSize),
	)
	if err != nil {
		return fmt.Errorf("写入迁移流水失败: %w", err)
	}
	return nil
}

// RecentTransitions 按时间倒序返回最近的迁移流水。
func (j *Journal) RecentTransitions(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.Query(
		`SELECT local_id, deal_id, status, reason, fill_price, fill_size, recorded_at
		 FROM order_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询迁移流水失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.LocalID, &entry.DealID, &entry.Status, &entry.Reason,
			&entry.FillPrice, &entry.FillSize, &entry.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("扫描迁移流水失败: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close 关闭数据库连接。
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
