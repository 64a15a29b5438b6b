package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/fitledger/internal/model"
)

// PostgresMetricsRepo はPostgreSQLを使用したメトリクスリポジトリ。
// 書き込みごとに専用のコネクションとトランザクションを取得し、終了時に必ず解放する。
type PostgresMetricsRepo struct {
	db *sql.DB
}

// NewPostgresMetricsRepo はPostgresMetricsRepoを生成する。
func NewPostgresMetricsRepo(db *sql.DB) *PostgresMetricsRepo {
	return &PostgresMetricsRepo{db: db}
}

// UpsertSteps は歩数を保存する。
func (r *PostgresMetricsRepo) UpsertSteps(ctx context.Context, fact model.DailyStepsFact) error {
	return r.withTx(ctx, "upsert daily_steps", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO daily_steps (user_id, date, steps)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, date)
			 DO UPDATE SET steps = EXCLUDED.steps, updated_at = now()`,
			fact.UserID, fact.Date, fact.Steps,
		)
		return err
	})
}

// UpsertRestingHR は安静時心拍数を保存する。
func (r *PostgresMetricsRepo) UpsertRestingHR(ctx context.Context, fact model.DailyRestingHRFact) error {
	var restingHR sql.NullInt64
	if fact.RestingHR != nil {
		restingHR = sql.NullInt64{Int64: int64(*fact.RestingHR), Valid: true}
	}

	return r.withTx(ctx, "upsert daily_resting_hr", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO daily_resting_hr (user_id, date, resting_hr)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, date)
			 DO UPDATE SET resting_hr = EXCLUDED.resting_hr, updated_at = now()`,
			fact.UserID, fact.Date, restingHR,
		)
		return err
	})
}

// StoreRaw はAPIレスポンスの生データを保存する。
// JSONとして解釈できないボディはJSON文字列として保存する。
func (r *PostgresMetricsRepo) StoreRaw(ctx context.Context, record model.RawResponseRecord) error {
	payload, err := jsonbPayload(record.Payload)
	if err != nil {
		return model.NewPersistenceFailure("store raw_fitbit_responses", err)
	}

	return r.withTx(ctx, "store raw_fitbit_responses", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO raw_fitbit_responses (user_id, endpoint, date, payload)
			 VALUES ($1, $2, $3, $4::jsonb)
			 ON CONFLICT (user_id, endpoint, date)
			 DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
			record.UserID, record.Endpoint, record.Date, string(payload),
		)
		return err
	})
}

// FindDay は指定日の保存済みメトリクスを取得する。何も保存されていない場合はnilを返す。
func (r *PostgresMetricsRepo) FindDay(ctx context.Context, userID, date string) (*model.DaySummary, error) {
	days, err := r.ListDays(ctx, userID, date, date)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}
	return &days[0], nil
}

// ListDays はfromからtoまでの保存済みメトリクスを日付順に取得する。
// いずれかのテーブルに行がある日だけを返す。
func (r *PostgresMetricsRepo) ListDays(ctx context.Context, userID, from, to string) ([]model.DaySummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH days AS (
		     SELECT date FROM daily_steps WHERE user_id = $1 AND date BETWEEN $2::date AND $3::date
		     UNION
		     SELECT date FROM daily_resting_hr WHERE user_id = $1 AND date BETWEEN $2::date AND $3::date
		     UNION
		     SELECT date FROM raw_fitbit_responses WHERE user_id = $1 AND date BETWEEN $2::date AND $3::date
		 )
		 SELECT d.date, s.steps, h.resting_hr,
		        ARRAY(SELECT r.endpoint FROM raw_fitbit_responses r
		              WHERE r.user_id = $1 AND r.date = d.date ORDER BY r.endpoint),
		        GREATEST(s.updated_at, h.updated_at,
		                 (SELECT max(r.updated_at) FROM raw_fitbit_responses r
		                  WHERE r.user_id = $1 AND r.date = d.date))
		 FROM days d
		 LEFT JOIN daily_steps s ON s.user_id = $1 AND s.date = d.date
		 LEFT JOIN daily_resting_hr h ON h.user_id = $1 AND h.date = d.date
		 ORDER BY d.date`,
		userID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("日次メトリクスの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var days []model.DaySummary
	for rows.Next() {
		var (
			date      time.Time
			steps     sql.NullInt64
			restingHR sql.NullInt64
			endpoints []string
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&date, &steps, &restingHR, pq.Array(&endpoints), &updatedAt); err != nil {
			return nil, fmt.Errorf("日次メトリクスのスキャンに失敗しました: %w", err)
		}

		day := model.DaySummary{
			UserID:       userID,
			Date:         date.Format(model.DateLayout),
			Steps:        nullIntPtr(steps),
			RestingHR:    nullIntPtr(restingHR),
			RawEndpoints: endpoints,
		}
		if day.RawEndpoints == nil {
			day.RawEndpoints = []string{}
		}
		if updatedAt.Valid {
			t := updatedAt.Time
			day.UpdatedAt = &t
		}
		days = append(days, day)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("日次メトリクスのイテレーションに失敗しました: %w", err)
	}

	return days, nil
}

// withTx は専用コネクション上でトランザクションを開始してfnを実行し、コミットする。
// どの経路で終了してもロールバックとコネクションの返却が行われる。
func (r *PostgresMetricsRepo) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return model.NewPersistenceFailure(op, fmt.Errorf("failed to acquire connection: %w", err))
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return model.NewPersistenceFailure(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return model.NewPersistenceFailure(op, err)
	}

	if err := tx.Commit(); err != nil {
		return model.NewPersistenceFailure(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// jsonbPayload はJSONBカラムに保存できる形にペイロードを整える。
func jsonbPayload(payload []byte) ([]byte, error) {
	if len(payload) > 0 && json.Valid(payload) {
		return payload, nil
	}
	encoded, err := json.Marshal(string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return encoded, nil
}

// nullIntPtr はsql.NullInt64をintポインタに変換する。
func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// compile-time interface check
var _ MetricsRepository = (*PostgresMetricsRepo)(nil)
