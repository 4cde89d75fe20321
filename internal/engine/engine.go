// Package engine is the boundary between the scheduler core and the program
// that performs backup operations.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

type Operation string

const (
	OperationBackup       Operation = "backup"
	OperationRestore      Operation = "restore"
	OperationList         Operation = "list"
	OperationListRemote   Operation = "list-remote"
	OperationRepair       Operation = "repair"
	OperationRepairUpdate Operation = "repair-update"
	OperationVerify       Operation = "verify"
	OperationCompact      Operation = "compact"
	OperationVacuum       Operation = "vacuum"
	OperationRemove       Operation = "remove"
	OperationDelete       Operation = "delete"
	OperationCreateReport Operation = "create-report"
)

// Operations lists every operation the engine is asked to perform.
var Operations = []Operation{
	OperationBackup, OperationRestore, OperationList, OperationListRemote, OperationRepair,
	OperationRepairUpdate, OperationVerify, OperationCompact, OperationVacuum, OperationRemove,
	OperationDelete, OperationCreateReport,
}

func ParseOperation(s string) (Operation, bool) {
	for _, op := range Operations {
		if string(op) == s {
			return op, true
		}
	}
	return "", false
}

// Outcome is the closed set of ways an execution can end.
type Outcome int

const (
	OK Outcome = iota
	AbortedByUser
	AbortedBySystem
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case AbortedByUser:
		return "aborted-by-user"
	case AbortedBySystem:
		return "aborted-by-system"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Abort reasons reported with AbortedBySystem.
const (
	ReasonUserClosing = "user-closing"
	ReasonAppExit     = "app-exit"
	ReasonShutdown    = "shutdown"
	ReasonLogoff      = "logoff"
)

// IsShutdownReason reports whether an abort was caused by the host going
// away, in which case the operation should be resumed on the next start.
func IsShutdownReason(reason string) bool {
	switch reason {
	case ReasonAppExit, ReasonShutdown, ReasonLogoff:
		return true
	}
	return false
}

// Progress is reported by an execution while it runs.
type Progress struct {
	Phase          string  `json:"phase"`
	Overall        float64 `json:"overall"`
	CurrentFile    string  `json:"current-file,omitempty"`
	ProcessedFiles int64   `json:"processed-files"`
	TotalFiles     int64   `json:"total-files"`
	ProcessedSize  int64   `json:"processed-size"`
	TotalSize      int64   `json:"total-size"`
	Speed          int64   `json:"speed"`
}

// Invocation carries everything an execution needs.
type Invocation struct {
	Operation  Operation
	TaskID     int64
	BackupID   string
	BackupName string
	TargetURL  string
	Sources    []string
	Options    map[string]string
	Filters    []string
	Arguments  []string

	ThreadPriority *types.Priority
	// Bytes per second, 0 for no limit.
	UploadLimit   int64
	DownloadLimit int64

	Progress  func(Progress)
	LogWriter io.Writer
}

// Stats are the structured figures an operation reports back.
type Stats struct {
	SourceFilesSize     int64     `json:"source-files-size"`
	SourceFilesCount    int64     `json:"source-files-count"`
	FilesWithError      int64     `json:"files-with-error"`
	BackupListCount     int64     `json:"backup-list-count"`
	LastBackupDate      time.Time `json:"last-backup-date"`
	TotalQuotaSpace     int64     `json:"total-quota-space"`
	FreeQuotaSpace      int64     `json:"free-quota-space"`
	AssignedQuotaSpace  int64     `json:"assigned-quota-space"`
	TargetFilesSize     int64     `json:"target-files-size"`
	TargetFilesCount    int64     `json:"target-files-count"`
	TargetFilesetsCount int64     `json:"target-filesets-count"`
	RestoredFiles       int64     `json:"restored-files"`
	DeletedFilesets     int64     `json:"deleted-filesets"`
	ReportPath          string    `json:"report-path,omitempty"`
}

type Result struct {
	Outcome   Outcome
	Reason    string
	Err       error
	Warnings  []string
	Errors    []string
	Stats     Stats
	BeginTime time.Time
	EndTime   time.Time
}

func (r Result) Duration() time.Duration {
	if r.BeginTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.BeginTime)
}

// Controller routes live control requests to a running execution.
type Controller interface {
	Stop()
	Abort()
	Pause(alsoTransfers bool)
	Resume()
	SetThrottleSpeeds(upload, download int64)
	SetPriority(p *types.Priority)
}

// Execution is a prepared operation. Execute may be called once.
type Execution interface {
	Controller
	Execute(ctx context.Context) Result
	Close() error
}

type Engine interface {
	Prepare(inv Invocation) (Execution, error)
}
