package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

const notificationColumns = `id, type, title, message, exception, backup_id, action, message_id, log_entry, timestamp`

func scanNotification(scan func(dest ...any) error) (types.Notification, error) {
	var n types.Notification
	var ts int64
	err := scan(&n.ID, &n.Type, &n.Title, &n.Message, &n.Exception, &n.BackupID, &n.Action,
		&n.MessageID, &n.LogEntry, &ts)
	n.Timestamp = fromUnix(ts)
	return n, err
}

// RegisterNotification stores n. When dedupe is given it sees the stored
// notifications first and may pick one to overwrite instead.
func (database *Database) RegisterNotification(n types.Notification, dedupe types.NotificationDedupe) (int64, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	var existing []types.Notification
	if dedupe != nil {
		var err error
		existing, err = database.GetNotifications()
		if err != nil {
			return 0, fmt.Errorf("RegisterNotification: %w", err)
		}
	}

	var id int64
	err := database.inTx(nil, "RegisterNotification", func(tx *sql.Tx) error {
		if dedupe != nil {
			if replace := dedupe(n, existing); replace != nil {
				_, err := tx.Exec(`
                    UPDATE notifications SET type = ?, title = ?, message = ?, exception = ?, backup_id = ?,
                        action = ?, message_id = ?, log_entry = ?, timestamp = ?
                    WHERE id = ?
                `, string(replace.Type), replace.Title, replace.Message, replace.Exception, replace.BackupID,
					replace.Action, replace.MessageID, replace.LogEntry, toUnix(replace.Timestamp), replace.ID)
				if err != nil {
					return fmt.Errorf("RegisterNotification: error updating notification %d: %w", replace.ID, err)
				}
				id = replace.ID
				return nil
			}
		}

		res, err := tx.Exec(`
            INSERT INTO notifications (type, title, message, exception, backup_id, action, message_id, log_entry, timestamp)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, string(n.Type), n.Title, n.Message, n.Exception, n.BackupID, n.Action, n.MessageID, n.LogEntry, toUnix(n.Timestamp))
		if err != nil {
			return fmt.Errorf("RegisterNotification: error inserting notification: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})

	return id, err
}

// GetNotifications returns all stored notifications, oldest first.
func (database *Database) GetNotifications() ([]types.Notification, error) {
	rows, err := database.readDb.Query(`SELECT ` + notificationColumns + ` FROM notifications ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("GetNotifications: error querying notifications: %w", err)
	}
	defer rows.Close()

	var list []types.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("GetNotifications: error scanning notification: %w", err)
		}
		list = append(list, n)
	}

	return list, rows.Err()
}

// DismissNotification deletes one notification.
func (database *Database) DismissNotification(id int64) error {
	return database.inTx(nil, "DismissNotification", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM notifications WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("DismissNotification: error deleting notification: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// LogError records err against backupID (a backup or schedule id).
func (database *Database) LogError(backupID string, message string, err error) error {
	exception := ""
	if err != nil {
		exception = err.Error()
	}

	return database.inTx(nil, "LogError", func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`
            INSERT INTO errorlog (backup_id, message, exception, timestamp) VALUES (?, ?, ?, ?)
        `, backupID, message, exception, time.Now().UTC().Unix())
		if execErr != nil {
			return fmt.Errorf("LogError: error inserting error log: %w", execErr)
		}
		return nil
	})
}

// GetErrorLog returns the newest limit error records, newest first.
func (database *Database) GetErrorLog(limit int) ([]types.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := database.readDb.Query(`
        SELECT id, backup_id, message, exception, timestamp FROM errorlog ORDER BY id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("GetErrorLog: error querying error log: %w", err)
	}
	defer rows.Close()

	var entries []types.ErrorLogEntry
	for rows.Next() {
		var e types.ErrorLogEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.BackupID, &e.Message, &e.Exception, &ts); err != nil {
			return nil, fmt.Errorf("GetErrorLog: error scanning entry: %w", err)
		}
		e.Timestamp = fromUnix(ts)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PurgeBefore removes error log entries and notifications older than cutoff.
func (database *Database) PurgeBefore(cutoff time.Time) (int64, error) {
	var removed int64
	err := database.inTx(nil, "PurgeBefore", func(tx *sql.Tx) error {
		for _, table := range []string{"errorlog", "notifications"} {
			res, err := tx.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, cutoff.Unix())
			if err != nil {
				return fmt.Errorf("PurgeBefore: error purging %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	return removed, err
}
