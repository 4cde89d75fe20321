package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
	"github.com/pbs-plus/plus-scheduler/internal/utils/timeparser"
)

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func validateSchedule(schedule types.Schedule) error {
	if schedule.Repeat != "" {
		if _, err := timeparser.Parse(schedule.Repeat); err != nil {
			return fmt.Errorf("invalid repeat rule: %w", err)
		}
	}
	return nil
}

const scheduleColumns = `id, tags, time, repeat, last_run, rule, allowed_days`

func scanSchedule(scan func(dest ...any) error) (types.Schedule, error) {
	var schedule types.Schedule
	var tags, days string
	var next, last int64

	if err := scan(&schedule.ID, &tags, &next, &schedule.Repeat, &last, &schedule.Rule, &days); err != nil {
		return types.Schedule{}, err
	}

	schedule.Tags = decodeList(tags)
	schedule.Time = fromUnix(next)
	schedule.LastRun = fromUnix(last)

	allowed, unknown := types.ParseWeekdays(days)
	if len(unknown) > 0 {
		syslog.L.Warn().WithMessage("schedule has unknown allowed days").
			WithField("scheduleId", schedule.ID).
			WithField("days", unknown).
			Write()
		// Keep the entry so the list is never silently widened to every day.
		allowed = append(allowed, types.InvalidWeekday)
	}
	schedule.AllowedDays = allowed

	return schedule, nil
}

// CreateSchedule inserts a schedule and returns its id.
func (database *Database) CreateSchedule(tx *sql.Tx, schedule types.Schedule) (id int64, err error) {
	if err := validateSchedule(schedule); err != nil {
		return 0, fmt.Errorf("CreateSchedule: %w", err)
	}

	err = database.inTx(tx, "CreateSchedule", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
            INSERT INTO schedules (tags, time, repeat, last_run, rule, allowed_days)
            VALUES (?, ?, ?, ?, ?, ?)
        `, encodeList(schedule.Tags), toUnix(schedule.Time), schedule.Repeat,
			toUnix(schedule.LastRun), schedule.Rule, types.FormatWeekdays(schedule.AllowedDays))
		if err != nil {
			return fmt.Errorf("CreateSchedule: error inserting schedule: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})

	return id, err
}

// UpdateSchedule rewrites every column of an existing schedule.
func (database *Database) UpdateSchedule(tx *sql.Tx, schedule types.Schedule) error {
	if err := validateSchedule(schedule); err != nil {
		return fmt.Errorf("UpdateSchedule: %w", err)
	}

	return database.inTx(tx, "UpdateSchedule", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
            UPDATE schedules SET tags = ?, time = ?, repeat = ?, last_run = ?, rule = ?, allowed_days = ?
            WHERE id = ?
        `, encodeList(schedule.Tags), toUnix(schedule.Time), schedule.Repeat,
			toUnix(schedule.LastRun), schedule.Rule, types.FormatWeekdays(schedule.AllowedDays), schedule.ID)
		if err != nil {
			return fmt.Errorf("UpdateSchedule: error updating schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// DeleteSchedule removes a schedule.
func (database *Database) DeleteSchedule(tx *sql.Tx, id int64) error {
	return database.inTx(tx, "DeleteSchedule", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM schedules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("DeleteSchedule: error deleting schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// GetSchedule retrieves a schedule by id.
func (database *Database) GetSchedule(id int64) (types.Schedule, error) {
	row := database.readDb.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	schedule, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Schedule{}, err
		}
		return types.Schedule{}, fmt.Errorf("GetSchedule: error scanning schedule %d: %w", id, err)
	}
	return schedule, nil
}

// ListSchedules returns every schedule ordered by id.
func (database *Database) ListSchedules() ([]types.Schedule, error) {
	rows, err := database.readDb.Query(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListSchedules: error querying schedules: %w", err)
	}
	defer rows.Close()

	var schedules []types.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ListSchedules: error scanning schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSchedules: error iterating schedules: %w", err)
	}

	return schedules, nil
}

// SaveNextRun persists the scheduler writeback for one schedule.
func (database *Database) SaveNextRun(scheduleID int64, nextRun time.Time, lastRun time.Time) error {
	return database.inTx(nil, "SaveNextRun", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE schedules SET time = ?, last_run = ? WHERE id = ?`,
			toUnix(nextRun), toUnix(lastRun), scheduleID)
		if err != nil {
			return fmt.Errorf("SaveNextRun: error updating schedule %d: %w", scheduleID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("SaveNextRun: schedule %d: %w", scheduleID, sql.ErrNoRows)
		}
		return nil
	})
}

func (database *Database) removeScheduleTag(tx *sql.Tx, tag string) error {
	rows, err := tx.Query(`SELECT id, tags FROM schedules`)
	if err != nil {
		return fmt.Errorf("removeScheduleTag: error querying schedules: %w", err)
	}

	updates := make(map[int64][]string)
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("removeScheduleTag: error scanning schedule: %w", err)
		}
		tags := decodeList(raw)
		if idx := slices.Index(tags, tag); idx >= 0 {
			updates[id] = slices.Delete(tags, idx, idx+1)
		}
	}
	rows.Close()

	for id, tags := range updates {
		if len(tags) == 0 {
			if _, err := tx.Exec(`DELETE FROM schedules WHERE id = ?`, id); err != nil {
				return fmt.Errorf("removeScheduleTag: error deleting schedule %d: %w", id, err)
			}
			continue
		}
		if _, err := tx.Exec(`UPDATE schedules SET tags = ? WHERE id = ?`, encodeList(tags), id); err != nil {
			return fmt.Errorf("removeScheduleTag: error updating schedule %d: %w", id, err)
		}
	}

	return nil
}
