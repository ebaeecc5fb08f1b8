package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"incidentbot/pkg/incerr"
	"incidentbot/pkg/timeutil"
)

// EnqueueNotification adds a pending row to the delivery queue and returns
// its id.
func (d *Queries) EnqueueNotification(ctx context.Context, groupID int64, kind, payload string, now time.Time) (string, error) {
	id := uuid.NewString()
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO notifications (id, group_id, kind, payload, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		id, groupID, kind, payload, timeutil.FormatUTC(now))
	if err != nil {
		return "", incerr.Wrap(err, incerr.KindStorage, "enqueueing %s notification", kind)
	}
	return id, nil
}

// PendingNotifications lists queued rows oldest first, up to limit.
func (d *Queries) PendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, group_id, kind, payload, status, created_at,
			COALESCE(sent_at, ''), COALESCE(last_error, '')
		FROM notifications WHERE status = 'pending'
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing pending notifications")
	}
	defer func() { _ = rows.Close() }()

	var notes []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.GroupID, &n.Kind, &n.Payload, &n.Status,
			&n.CreatedAt, &n.SentAt, &n.LastError); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning notification")
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating notifications")
	}
	return notes, nil
}

// MarkNotificationSent records successful delivery.
func (d *Queries) MarkNotificationSent(ctx context.Context, id string, now time.Time) error {
	_, err := d.q.ExecContext(ctx,
		"UPDATE notifications SET status = 'sent', sent_at = ? WHERE id = ?",
		timeutil.FormatUTC(now), id)
	return incerr.Wrap(err, incerr.KindStorage, "marking notification %s sent", id)
}

// MarkNotificationFailed records a delivery failure.
func (d *Queries) MarkNotificationFailed(ctx context.Context, id, reason string) error {
	_, err := d.q.ExecContext(ctx,
		"UPDATE notifications SET status = 'failed', last_error = ? WHERE id = ?",
		reason, id)
	return incerr.Wrap(err, incerr.KindStorage, "marking notification %s failed", id)
}
