package persistence

import "context"

// Notify publishes a status payload on the configured channel.
func (db *DB) Notify(ctx context.Context, code string) error {
	_, err := db.conn.ExecContext(ctx, "SELECT pg_notify($1, $2)", db.opts.NotifyChannel, code)
	return err
}
