package sql

import (
	"context"
	"time"

	"github.com/google/uuid"

	"receiptflow/backend/internal/domain"
)

// ========== Rate Limit Window Repository ==========

// IncrementWindow 以单条 upsert 自增 (org_id, endpoint, window_start) 的计数。
// 唯一索引保证并发插入同一窗口时只保留一行，返回自增后的计数值。
func (s *Store) IncrementWindow(ctx context.Context, window *domain.RateLimitWindow) (int, error) {
	if s.driverName == "postgres" {
		query := s.rebind(`
			INSERT INTO rate_limit_windows (id, org_id, endpoint, window_start, count, max_requests, window_minutes)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (org_id, endpoint, window_start)
			DO UPDATE SET count = rate_limit_windows.count + 1
			RETURNING count
		`)
		var count int
		err := s.db.QueryRowContext(ctx, query,
			uuid.NewString(),
			window.OrgID,
			window.Endpoint,
			window.WindowStart,
			window.MaxRequests,
			window.WindowMinutes,
		).Scan(&count)
		return count, err
	}

	// MySQL: LAST_INSERT_ID(expr) 把自增结果带回本连接的会话变量
	query := `
		INSERT INTO rate_limit_windows (id, org_id, endpoint, window_start, count, max_requests, window_minutes)
		VALUES (?, ?, ?, ?, LAST_INSERT_ID(1), ?, ?)
		ON DUPLICATE KEY UPDATE count = LAST_INSERT_ID(count + 1)
	`
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, query,
		uuid.NewString(),
		window.OrgID,
		window.Endpoint,
		window.WindowStart,
		window.MaxRequests,
		window.WindowMinutes,
	); err != nil {
		return 0, err
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT LAST_INSERT_ID()`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeWindowsBefore 删除 cutoff 之前的窗口行，返回删除条数。
func (s *Store) PurgeWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM rate_limit_windows WHERE window_start < ?`)
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
