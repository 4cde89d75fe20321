package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/utils/timeparser"
)

const (
	settingStartupDelay     = "startup-delay"
	settingThreadPriority   = "thread-priority-override"
	settingMaxUploadSpeed   = "max-upload-speed"
	settingMaxDownloadSpeed = "max-download-speed"
	settingAdditionalReport = "additional-report-url"
	settingTimezone         = "timezone"
	settingUsageReporter    = "usage-reporter-level"
)

// GetSettings returns the options owned by backupID. Use CommonOptionsID for
// the options applied to every backup.
func (database *Database) GetSettings(backupID int64) ([]types.Setting, error) {
	rows, err := database.readDb.Query(`
        SELECT filter, name, value, argument FROM options WHERE backup_id = ? ORDER BY rowid
    `, backupID)
	if err != nil {
		return nil, fmt.Errorf("GetSettings: error querying options: %w", err)
	}
	defer rows.Close()

	var settings []types.Setting
	for rows.Next() {
		var s types.Setting
		if err := rows.Scan(&s.Filter, &s.Name, &s.Value, &s.Argument); err != nil {
			return nil, fmt.Errorf("GetSettings: error scanning option: %w", err)
		}
		settings = append(settings, s)
	}

	return settings, rows.Err()
}

// SetCommonOptions replaces the options applied to every backup.
func (database *Database) SetCommonOptions(tx *sql.Tx, settings []types.Setting) error {
	return database.inTx(tx, "SetCommonOptions", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM options WHERE backup_id = ?`, CommonOptionsID); err != nil {
			return fmt.Errorf("SetCommonOptions: error clearing options: %w", err)
		}
		for _, s := range settings {
			if _, err := tx.Exec(`
                INSERT INTO options (backup_id, filter, name, value, argument) VALUES (?, ?, ?, ?, ?)
            `, CommonOptionsID, s.Filter, s.Name, s.Value, s.Argument); err != nil {
				return fmt.Errorf("SetCommonOptions: error inserting '%s': %w", s.Name, err)
			}
		}
		return nil
	})
}

// GetApplicationSettings reads the server settings. Missing keys keep their
// zero value.
func (database *Database) GetApplicationSettings() (types.ApplicationSettings, error) {
	rows, err := database.readDb.Query(`SELECT name, value FROM app_settings`)
	if err != nil {
		return types.ApplicationSettings{}, fmt.Errorf("GetApplicationSettings: error querying settings: %w", err)
	}
	defer rows.Close()

	var settings types.ApplicationSettings
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return types.ApplicationSettings{}, fmt.Errorf("GetApplicationSettings: error scanning setting: %w", err)
		}

		switch name {
		case settingStartupDelay:
			d, err := timeparser.ParseTimeSpan(value)
			if err != nil {
				return types.ApplicationSettings{}, fmt.Errorf("GetApplicationSettings: invalid %s: %w", name, err)
			}
			settings.StartupDelayDuration = d
		case settingThreadPriority:
			settings.ThreadPriorityOverride = value
		case settingMaxUploadSpeed:
			settings.UploadSpeedLimit = value
		case settingMaxDownloadSpeed:
			settings.DownloadSpeedLimit = value
		case settingAdditionalReport:
			settings.AdditionalReportURL = value
		case settingTimezone:
			settings.Timezone = value
		case settingUsageReporter:
			settings.UsageReporterLevel = value
		}
	}

	return settings, rows.Err()
}

// SaveApplicationSettings writes every server setting.
func (database *Database) SaveApplicationSettings(tx *sql.Tx, settings types.ApplicationSettings) error {
	values := map[string]string{
		settingStartupDelay:     "",
		settingThreadPriority:   settings.ThreadPriorityOverride,
		settingMaxUploadSpeed:   settings.UploadSpeedLimit,
		settingMaxDownloadSpeed: settings.DownloadSpeedLimit,
		settingAdditionalReport: settings.AdditionalReportURL,
		settingTimezone:         settings.Timezone,
		settingUsageReporter:    settings.UsageReporterLevel,
	}
	if settings.StartupDelayDuration > 0 {
		values[settingStartupDelay] = fmt.Sprintf("%ds", int64(settings.StartupDelayDuration.Seconds()))
	}

	return database.inTx(tx, "SaveApplicationSettings", func(tx *sql.Tx) error {
		for name, value := range values {
			if _, err := tx.Exec(`
                INSERT INTO app_settings (name, value) VALUES (?, ?)
                ON CONFLICT(name) DO UPDATE SET value = excluded.value
            `, name, value); err != nil {
				return fmt.Errorf("SaveApplicationSettings: error writing '%s': %w", name, err)
			}
		}
		return nil
	})
}
