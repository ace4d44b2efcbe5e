package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"saxo-trader/internal/broker"
)

// CredentialRepository 将券商凭证保存在 SQLite 中，表内始终只有一行。
type CredentialRepository struct {
	db *sql.DB
}

var _ broker.CredentialStore = (*CredentialRepository)(nil)

// NewCredentialRepository 创建凭证仓库并初始化表结构。
func NewCredentialRepository(s *Store) (*CredentialRepository, error) {
	if s == nil {
		return nil, errors.New("store: store 不能为空")
	}
	repo := &CredentialRepository{db: s.DB()}
	stmt := `
CREATE TABLE IF NOT EXISTS saxo_credentials (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	account_key TEXT NOT NULL DEFAULT '',
	seed TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
`
	if _, err := repo.db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("store: 初始化凭证表失败: %w", err)
	}
	if err := repo.migrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

// migrate 为早期版本创建的表补上 seed 列。
func (r *CredentialRepository) migrate() error {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('saxo_credentials') WHERE name = 'seed'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("store: 检查凭证表结构失败: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.db.Exec(`ALTER TABLE saxo_credentials ADD COLUMN seed TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("store: 升级凭证表失败: %w", err)
	}
	return nil
}

// Save 覆盖写入凭证。
func (r *CredentialRepository) Save(ctx context.Context, creds broker.Credentials) error {
	updated := creds.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO saxo_credentials (id, access_token, refresh_token, account_key, seed, updated_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	account_key = excluded.account_key,
	seed = excluded.seed,
	updated_at = excluded.updated_at`,
		creds.AccessToken, creds.RefreshToken, creds.AccountKey, creds.Seed, updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 保存凭证失败: %w", err)
	}
	return nil
}

// Load 读取已保存的凭证，不存在时第二个返回值为 false。
func (r *CredentialRepository) Load(ctx context.Context) (broker.Credentials, bool, error) {
	var (
		creds   broker.Credentials
		updated string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, account_key, seed, updated_at FROM saxo_credentials WHERE id = 1`,
	).Scan(&creds.AccessToken, &creds.RefreshToken, &creds.AccountKey, &creds.Seed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return broker.Credentials{}, false, nil
	}
	if err != nil {
		return broker.Credentials{}, false, fmt.Errorf("store: 读取凭证失败: %w", err)
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, updated); parseErr == nil {
		creds.UpdatedAt = ts
	}
	return creds, true, nil
}
