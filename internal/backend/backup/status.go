package backup

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
	"github.com/pbs-plus/plus-scheduler/internal/utils"
)

// Metadata keys written after each operation.
const (
	MetaBackupInProgress    = "BackupInProgress"
	MetaResumeOnStartup     = "ResumeOnStartup"
	MetaLastAbortReason     = "LastAbortReason"
	MetaLastAbortDate       = "LastAbortDate"
	MetaLastErrorDate       = "LastErrorDate"
	MetaLastErrorMessage    = "LastErrorMessage"
	MetaLastBackupDate      = "LastBackupDate"
	MetaLastBackupStarted   = "LastBackupStarted"
	MetaLastBackupFinished  = "LastBackupFinished"
	MetaLastBackupDuration  = "LastBackupDuration"
	MetaSourceFilesSize     = "SourceFilesSize"
	MetaSourceFilesCount    = "SourceFilesCount"
	MetaSourceSizeString    = "SourceSizeString"
	MetaBackupListCount     = "BackupListCount"
	MetaTotalQuotaSpace     = "TotalQuotaSpace"
	MetaFreeQuotaSpace      = "FreeQuotaSpace"
	MetaAssignedQuotaSpace  = "AssignedQuotaSpace"
	MetaTargetFilesSize     = "TargetFilesSize"
	MetaTargetFilesCount    = "TargetFilesCount"
	MetaTargetFilesetsCount = "TargetFilesetsCount"
	MetaTargetSizeString    = "TargetSizeString"
)

// TimeLayout is how timestamps are stored in backup metadata.
const TimeLayout = "20060102T150405Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseMetadataTime reads a timestamp written with TimeLayout.
func ParseMetadataTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// resultMetadata picks the metadata values an operation result updates.
func resultMetadata(op engine.Operation, res engine.Result) map[string]string {
	values := make(map[string]string)
	begin, end, dur := formatTime(res.BeginTime), formatTime(res.EndTime), formatDuration(res.Duration())

	switch op {
	case engine.OperationRestore:
		values["LastRestoreDuration"] = dur
		values["LastRestoreStarted"] = begin
		values["LastRestoreFinished"] = end
		return values
	case engine.OperationCompact:
		values["LastCompactDuration"] = dur
		values["LastCompactStarted"] = begin
		values["LastCompactFinished"] = end
	case engine.OperationVacuum:
		values["LastVacuumDuration"] = dur
		values["LastVacuumStarted"] = begin
		values["LastVacuumFinished"] = end
	case engine.OperationBackup:
		values[MetaSourceFilesSize] = itoa(res.Stats.SourceFilesSize)
		values[MetaSourceFilesCount] = itoa(res.Stats.SourceFilesCount)
		values[MetaSourceSizeString] = utils.FormatSize(res.Stats.SourceFilesSize)
		values[MetaLastBackupStarted] = begin
		values[MetaLastBackupFinished] = end
		values[MetaLastBackupDuration] = dur
	}

	if res.Outcome == engine.OK {
		values[MetaLastBackupDate] = formatTime(res.Stats.LastBackupDate)
		values[MetaBackupListCount] = itoa(res.Stats.BackupListCount)
		values[MetaTotalQuotaSpace] = itoa(res.Stats.TotalQuotaSpace)
		values[MetaFreeQuotaSpace] = itoa(res.Stats.FreeQuotaSpace)
		values[MetaAssignedQuotaSpace] = itoa(res.Stats.AssignedQuotaSpace)
		values[MetaTargetFilesSize] = itoa(res.Stats.TargetFilesSize)
		values[MetaTargetFilesCount] = itoa(res.Stats.TargetFilesCount)
		values[MetaTargetFilesetsCount] = itoa(res.Stats.TargetFilesetsCount)
		values[MetaTargetSizeString] = utils.FormatSize(res.Stats.TargetFilesSize)
	}

	return values
}

func (r *Runner) updateMetadata(job *Job, values map[string]string) {
	if job.Backup.IsTemporary || job.Backup.ID <= 0 || len(values) == 0 {
		return
	}
	if err := r.repo.SetMetadata(job.Backup.ID, values); err != nil {
		syslog.L.Error(err).WithMessage("failed to update backup metadata").
			WithField("backupId", job.BackupID()).WithJob(taskKey(job)).Write()
	}
}

// backupIssueNotification builds the notification for a backup that finished
// with warnings or errors. It returns nil when there is nothing to report.
func backupIssueNotification(job *Job, res engine.Result) *types.Notification {
	var kind types.NotificationType
	var message string

	switch {
	case res.Stats.FilesWithError > 0:
		kind = types.NotificationError
		message = fmt.Sprintf("Errors affected %d file(s).", res.Stats.FilesWithError)
	case len(res.Errors) == 1:
		kind = types.NotificationError
		message = res.Errors[0]
	case len(res.Errors) > 1:
		kind = types.NotificationError
		message = fmt.Sprintf("Encountered %d errors.", len(res.Errors))
	case len(res.Warnings) == 1:
		kind = types.NotificationWarning
		message = res.Warnings[0]
	case len(res.Warnings) > 1:
		kind = types.NotificationWarning
		message = fmt.Sprintf("Encountered %d warnings.", len(res.Warnings))
	default:
		return nil
	}

	label := string(kind)
	if job.Backup.IsTemporary {
		label = "Warning"
	}

	return &types.Notification{
		Type:     kind,
		Title:    fmt.Sprintf("%s while running %s", label, job.Backup.Name),
		Message:  message,
		BackupID: job.BackupID(),
		Action:   "backup:show-log",
	}
}

// operationIssueNotification covers the non-backup operations.
func operationIssueNotification(job *Job, res engine.Result) *types.Notification {
	var kind types.NotificationType
	var title string

	switch {
	case len(res.Errors) == 1:
		kind, title = types.NotificationError, "Error: "+res.Errors[0]
	case len(res.Errors) > 1:
		kind, title = types.NotificationError, fmt.Sprintf("Got %d error(s)", len(res.Errors))
	case len(res.Warnings) == 1:
		kind, title = types.NotificationWarning, "Warning: "+res.Warnings[0]
	case len(res.Warnings) > 1:
		kind, title = types.NotificationWarning, fmt.Sprintf("Got %d warning(s)", len(res.Warnings))
	default:
		return nil
	}

	return &types.Notification{
		Type:     kind,
		Title:    title,
		Message:  fmt.Sprintf("%s of %s", job.Operation, job.Backup.Name),
		BackupID: job.BackupID(),
		Action:   "backup:show-log",
	}
}

// keepErrorDedupe replaces an earlier notification for the same backup,
// unless that one is an error, which is kept as it was.
func keepErrorDedupe(n types.Notification, existing []types.Notification) *types.Notification {
	for i := range existing {
		if existing[i].BackupID != n.BackupID {
			continue
		}
		if existing[i].Type == types.NotificationError {
			return &existing[i]
		}
		replaced := n
		replaced.ID = existing[i].ID
		return &replaced
	}
	return nil
}

// replaceDedupe overwrites an earlier notification for the same backup.
func replaceDedupe(n types.Notification, existing []types.Notification) *types.Notification {
	for i := range existing {
		if existing[i].BackupID == n.BackupID {
			replaced := n
			replaced.ID = existing[i].ID
			return &replaced
		}
	}
	return nil
}

func (r *Runner) notify(job *Job, n types.Notification, dedupe types.NotificationDedupe) {
	if _, err := r.repo.RegisterNotification(n, dedupe); err != nil {
		syslog.L.Error(err).WithMessage("failed to register notification").
			WithField("backupId", job.BackupID()).WithJob(taskKey(job)).Write()
	}
}
