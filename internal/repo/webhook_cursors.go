package repo

import (
	"context"
	"database/sql"
)

// GetWebhookCursor returns the last delivered log id for a webhook.
func (r Repo) GetWebhookCursor(ctx context.Context, key string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_log_id FROM webhook_cursors WHERE webhook_id=?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("get webhook cursor", err)
	}
	return id, true, nil
}

func (r Repo) SetWebhookCursor(ctx context.Context, key string, id int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(webhook_id,last_log_id,updated_at) VALUES (?,?,?)
ON CONFLICT(webhook_id) DO UPDATE SET last_log_id=excluded.last_log_id, updated_at=excluded.updated_at`, key, id, now)
	return storeErr("set webhook cursor", err)
}
