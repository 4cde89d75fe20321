package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
	"github.com/pbs-plus/plus-scheduler/internal/utils"
)

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(raw string) []string {
	var list []string
	if raw == "" {
		return list
	}
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		syslog.L.Error(err).WithMessage("failed to decode stored list").WithField("raw", raw).Write()
		return nil
	}
	return list
}

// CreateBackup inserts a backup definition together with its settings,
// filters and metadata, and returns the new id.
func (database *Database) CreateBackup(tx *sql.Tx, backup types.Backup) (id int64, err error) {
	if strings.TrimSpace(backup.Name) == "" {
		return 0, errors.New("CreateBackup: name is empty")
	}
	if !utils.ValidateTargetURL(backup.TargetURL) {
		return 0, fmt.Errorf("CreateBackup: invalid target url -> %s", backup.TargetURL)
	}

	err = database.inTx(tx, "CreateBackup", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
            INSERT INTO backups (name, description, tags, target_url, dbpath, sources, is_temporary)
            VALUES (?, ?, ?, ?, ?, ?, ?)
        `, backup.Name, backup.Description, encodeList(backup.Tags), backup.TargetURL,
			backup.DBPath, encodeList(backup.Sources), backup.IsTemporary)
		if err != nil {
			return fmt.Errorf("CreateBackup: error inserting backup: %w", err)
		}

		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("CreateBackup: error reading id: %w", err)
		}

		return database.writeBackupChildren(tx, id, backup)
	})

	return id, err
}

// UpdateBackup replaces a backup definition, its settings and filters.
// Metadata is left untouched.
func (database *Database) UpdateBackup(tx *sql.Tx, backup types.Backup) error {
	if !utils.ValidateTargetURL(backup.TargetURL) {
		return fmt.Errorf("UpdateBackup: invalid target url -> %s", backup.TargetURL)
	}

	return database.inTx(tx, "UpdateBackup", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
            UPDATE backups SET name = ?, description = ?, tags = ?, target_url = ?, dbpath = ?,
                sources = ?, is_temporary = ?
            WHERE id = ?
        `, backup.Name, backup.Description, encodeList(backup.Tags), backup.TargetURL,
			backup.DBPath, encodeList(backup.Sources), backup.IsTemporary, backup.ID)
		if err != nil {
			return fmt.Errorf("UpdateBackup: error updating backup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}

		if _, err := tx.Exec(`DELETE FROM options WHERE backup_id = ?`, backup.ID); err != nil {
			return fmt.Errorf("UpdateBackup: error removing old settings: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM filters WHERE backup_id = ?`, backup.ID); err != nil {
			return fmt.Errorf("UpdateBackup: error removing old filters: %w", err)
		}

		backup.Metadata = nil
		return database.writeBackupChildren(tx, backup.ID, backup)
	})
}

func (database *Database) writeBackupChildren(tx *sql.Tx, id int64, backup types.Backup) error {
	for _, setting := range backup.Settings {
		if _, err := tx.Exec(`
            INSERT INTO options (backup_id, filter, name, value, argument) VALUES (?, ?, ?, ?, ?)
        `, id, setting.Filter, setting.Name, setting.Value, setting.Argument); err != nil {
			return fmt.Errorf("error inserting setting '%s': %w", setting.Name, err)
		}
	}

	for _, filter := range backup.Filters {
		if _, err := tx.Exec(`
            INSERT INTO filters (backup_id, sort_order, include, expression) VALUES (?, ?, ?, ?)
        `, id, filter.Order, filter.Include, filter.Expression); err != nil {
			return fmt.Errorf("error inserting filter '%s': %w", filter.Expression, err)
		}
	}

	for name, value := range backup.Metadata {
		if _, err := tx.Exec(`
            INSERT INTO metadata (backup_id, name, value) VALUES (?, ?, ?)
            ON CONFLICT(backup_id, name) DO UPDATE SET value = excluded.value
        `, id, name, value); err != nil {
			return fmt.Errorf("error inserting metadata '%s': %w", name, err)
		}
	}

	return nil
}

// GetBackup retrieves a backup by id and assembles its settings, filters
// and metadata.
func (database *Database) GetBackup(id int64) (types.Backup, error) {
	var backup types.Backup
	var tags, sources string

	err := database.readDb.QueryRow(`
        SELECT id, name, description, tags, target_url, dbpath, sources, is_temporary
        FROM backups WHERE id = ?
    `, id).Scan(&backup.ID, &backup.Name, &backup.Description, &tags, &backup.TargetURL,
		&backup.DBPath, &sources, &backup.IsTemporary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Backup{}, err
		}
		return types.Backup{}, fmt.Errorf("GetBackup: error querying backup %d: %w", id, err)
	}

	backup.Tags = decodeList(tags)
	backup.Sources = decodeList(sources)

	if backup.Settings, err = database.GetSettings(id); err != nil {
		return types.Backup{}, fmt.Errorf("GetBackup: %w", err)
	}
	if backup.Filters, err = database.GetFilters(id); err != nil {
		return types.Backup{}, fmt.Errorf("GetBackup: %w", err)
	}
	if backup.Metadata, err = database.GetMetadata(id); err != nil {
		return types.Backup{}, fmt.Errorf("GetBackup: %w", err)
	}

	return backup, nil
}

// GetAllBackups returns every backup definition ordered by id.
func (database *Database) GetAllBackups() ([]types.Backup, error) {
	rows, err := database.readDb.Query(`SELECT id FROM backups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("GetAllBackups: error querying backups: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("GetAllBackups: error scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAllBackups: error iterating backups: %w", err)
	}

	backups := make([]types.Backup, 0, len(ids))
	for _, id := range ids {
		backup, err := database.GetBackup(id)
		if err != nil {
			syslog.L.Error(err).WithField("backupId", id).Write()
			continue
		}
		backups = append(backups, backup)
	}

	return backups, nil
}

// DeleteBackup removes a backup and everything attached to it. Schedules
// selecting it by "ID=<id>" lose that tag.
func (database *Database) DeleteBackup(tx *sql.Tx, id int64) error {
	return database.inTx(tx, "DeleteBackup", func(tx *sql.Tx) error {
		for _, table := range []string{"options", "filters", "metadata"} {
			if _, err := tx.Exec(`DELETE FROM `+table+` WHERE backup_id = ?`, id); err != nil {
				return fmt.Errorf("DeleteBackup: error deleting %s: %w", table, err)
			}
		}

		res, err := tx.Exec(`DELETE FROM backups WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("DeleteBackup: error deleting backup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}

		return database.removeScheduleTag(tx, "ID="+strconv.FormatInt(id, 10))
	})
}

// GetBackupIDsForTags resolves schedule tags to backup ids. The result is
// distinct and ordered by id.
func (database *Database) GetBackupIDsForTags(tags []string) ([]int64, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	wanted := make(map[string]struct{}, len(tags))
	direct := make(map[int64]struct{})
	for _, tag := range tags {
		if rest, ok := strings.CutPrefix(tag, "ID="); ok {
			if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
				direct[id] = struct{}{}
			}
			continue
		}
		wanted[tag] = struct{}{}
	}

	rows, err := database.readDb.Query(`SELECT id, tags FROM backups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("GetBackupIDsForTags: error querying backups: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("GetBackupIDsForTags: error scanning backup: %w", err)
		}

		if _, ok := direct[id]; ok {
			ids = append(ids, id)
			continue
		}
		for _, tag := range decodeList(raw) {
			if _, ok := wanted[tag]; ok {
				ids = append(ids, id)
				break
			}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetBackupIDsForTags: error iterating backups: %w", err)
	}

	return ids, nil
}

// GetFilters returns the backup's filters in evaluation order.
func (database *Database) GetFilters(backupID int64) ([]types.Filter, error) {
	rows, err := database.readDb.Query(`
        SELECT sort_order, include, expression FROM filters WHERE backup_id = ? ORDER BY sort_order, id
    `, backupID)
	if err != nil {
		return nil, fmt.Errorf("GetFilters: error querying filters: %w", err)
	}
	defer rows.Close()

	var filters []types.Filter
	for rows.Next() {
		var f types.Filter
		if err := rows.Scan(&f.Order, &f.Include, &f.Expression); err != nil {
			return nil, fmt.Errorf("GetFilters: error scanning filter: %w", err)
		}
		filters = append(filters, f)
	}

	return filters, rows.Err()
}

// GetMetadata returns the backup's metadata map.
func (database *Database) GetMetadata(backupID int64) (map[string]string, error) {
	rows, err := database.readDb.Query(`SELECT name, value FROM metadata WHERE backup_id = ?`, backupID)
	if err != nil {
		return nil, fmt.Errorf("GetMetadata: error querying metadata: %w", err)
	}
	defer rows.Close()

	metadata := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("GetMetadata: error scanning metadata: %w", err)
		}
		metadata[name] = value
	}

	return metadata, rows.Err()
}

// SetMetadata upserts values into the backup's metadata. An empty value
// removes the key.
func (database *Database) SetMetadata(backupID int64, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	return database.inTx(nil, "SetMetadata", func(tx *sql.Tx) error {
		for name, value := range values {
			var err error
			if value == "" {
				_, err = tx.Exec(`DELETE FROM metadata WHERE backup_id = ? AND name = ?`, backupID, name)
			} else {
				_, err = tx.Exec(`
                    INSERT INTO metadata (backup_id, name, value) VALUES (?, ?, ?)
                    ON CONFLICT(backup_id, name) DO UPDATE SET value = excluded.value
                `, backupID, name, value)
			}
			if err != nil {
				return fmt.Errorf("SetMetadata: error writing '%s' for backup %d: %w", name, backupID, err)
			}
		}
		return nil
	})
}

// GetBackupIDsWithMetadata lists backups whose metadata name equals value.
func (database *Database) GetBackupIDsWithMetadata(name, value string) ([]int64, error) {
	rows, err := database.readDb.Query(`
        SELECT backup_id FROM metadata WHERE name = ? AND value = ? ORDER BY backup_id
    `, name, value)
	if err != nil {
		return nil, fmt.Errorf("GetBackupIDsWithMetadata: error querying metadata: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("GetBackupIDsWithMetadata: error scanning id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
