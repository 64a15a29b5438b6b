// Package database はPostgreSQL接続とスキーママイグレーションを提供する。
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// pingInterval はWaitForDBの再試行間隔。
const pingInterval = 500 * time.Millisecond

// Open はPostgreSQLデータベース接続を開く。
// sql.Openは接続を試行しないため、疎通確認にはWaitForDBを使用する。
//
// アイドル接続は保持しない。書き込みごとに接続を取得し、完了時に必ず切断する。
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxIdleConns(0)

	return db, nil
}

// WaitForDB はPingが成功するまでtimeoutの範囲で再試行する。
// コンテナ起動直後などDBがまだ接続を受け付けない場合に使用する。
func WaitForDB(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		if lastErr = db.PingContext(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("database not reachable within %s: %w", timeout, lastErr)
		case <-time.After(pingInterval):
		}
	}
}
