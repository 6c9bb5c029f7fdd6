package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/avishj/ForexRadar-sub001/internal/model"
)

// LastRefresh returns when the archive was last pulled for from.
func (c *Cache) LastRefresh(ctx context.Context, from string) (time.Time, bool, error) {
	var ms int64
	err := c.db.QueryRowContext(ctx, `SELECT refreshed_at FROM refresh WHERE from_curr = ?`, from).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, eris.Wrap(err, "cache: last refresh")
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// MarkRefreshed records now as the last archive pull for from. The stored
// timestamp never moves backward.
func (c *Cache) MarkRefreshed(ctx context.Context, from string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO refresh (from_curr, refreshed_at) VALUES (?, ?)
		 ON CONFLICT (from_curr) DO UPDATE SET refreshed_at = max(refreshed_at, excluded.refreshed_at)`,
		from, c.nowFunc().UnixMilli(),
	)
	return eris.Wrap(err, "cache: mark refreshed")
}

// IsStale is true when from was never refreshed or was last refreshed
// before the most recent daily publication boundary.
func (c *Cache) IsStale(ctx context.Context, from string) (bool, error) {
	last, ok, err := c.LastRefresh(ctx, from)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}
	return last.Before(model.LastBoundary(c.nowFunc())), nil
}
