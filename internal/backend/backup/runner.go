package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
	"github.com/pbs-plus/plus-scheduler/internal/utils"
)

// Option keys with special handling.
const (
	OptionNextScheduledRun  = "next-scheduled-run"
	OptionThrottleUpload    = "throttle-upload"
	OptionThrottleDownload  = "throttle-download"
	OptionDisableModule     = "disable-module"
	OptionEnableModule      = "enable-module"
	OptionReportURLs        = "send-http-json-urls"
	OptionRestorePath       = "restore-path"
	OptionDeleteRemoteFiles = "delete-remote-files"
	OptionDeleteLocalDB     = "delete-local-db"
	OptionRetention         = "delete-older-than"
	OptionKeepFullBackups   = "delete-all-but-n-full"
)

const (
	passwordPromptModule     = "console-password-input"
	overrideSettingPrefix    = "--"
	defaultThrottleUnit      = "kb"
	progressPublishInterval  = time.Second
	failedOperationMessage   = "Failed while executing %s %q (id: %s)"
	defaultFailureMessage    = "operation failed"
	bugReportNotificationAct = "bug-report:created:"
)

// Repository is the persistence the runner needs.
type Repository interface {
	GetSettings(backupID int64) ([]types.Setting, error)
	GetFilters(backupID int64) ([]types.Filter, error)
	GetApplicationSettings() (types.ApplicationSettings, error)
	SetMetadata(backupID int64, values map[string]string) error
	DeleteBackup(tx *sql.Tx, id int64) error
	LogError(backupID string, message string, err error) error
	RegisterNotification(n types.Notification, dedupe types.NotificationDedupe) (int64, error)
}

// Reporter receives every failed operation.
type Reporter interface {
	Report(err error)
}

// Controls are the server wide overrides applied to each execution.
type Controls interface {
	ThreadPriority() *types.Priority
	UploadLimit() *int64
	DownloadLimit() *int64
}

type Runner struct {
	repo      Repository
	engine    engine.Engine
	controls  Controls
	events    *eventbus.EventPollNotify
	publisher *eventbus.ProgressPublisher
	reporter  Reporter
}

// NewRunner builds a runner. controls, events and reporter may be nil.
func NewRunner(repo Repository, eng engine.Engine, controls Controls, events *eventbus.EventPollNotify, reporter Reporter) *Runner {
	r := &Runner{
		repo:     repo,
		engine:   eng,
		controls: controls,
		events:   events,
		reporter: reporter,
	}
	if events != nil {
		r.publisher = eventbus.NewProgressPublisher(events, progressPublishInterval)
	}
	return r
}

// SetProgressInterval changes how often progress snapshots are published.
// It must be called before the runner handles its first job.
func (r *Runner) SetProgressInterval(d time.Duration) {
	if r.events == nil || d <= 0 {
		return
	}
	r.publisher = eventbus.NewProgressPublisher(r.events, d)
}

func taskKey(job *Job) string {
	return strconv.FormatInt(job.ID(), 10)
}

// Handle runs a job taken from the work queue.
func (r *Runner) Handle(ctx context.Context, job *Job) error {
	_, err := r.Run(ctx, job, true)
	return err
}

// Run performs the job. Failures are recorded against the backup; they are
// returned only when the job did not come from the queue. Aborts are not
// errors, the caller inspects the result's Outcome.
func (r *Runner) Run(ctx context.Context, job *Job, fromQueue bool) (*engine.Result, error) {
	job.start()
	key := taskKey(job)

	var logw io.Writer = io.Discard
	oplog := syslog.CreateOperationLogger(key)
	if oplog != nil {
		logw = oplog
	}

	if fromQueue && r.events != nil {
		r.events.SignalProgressUpdate(job.ProgressState)
	}

	isBackup := job.Operation == engine.OperationBackup
	if isBackup {
		r.updateMetadata(job, map[string]string{MetaBackupInProgress: "true"})
	}

	defer func() {
		job.setController(nil)
		if oplog != nil {
			if err := oplog.Close(); err != nil {
				syslog.L.Error(err).WithMessage("failed to close operation log").WithJob(key).Write()
			}
		}
		if isBackup {
			r.updateMetadata(job, map[string]string{MetaBackupInProgress: ""})
		}
		if r.events != nil {
			if r.publisher != nil {
				r.publisher.Flush(job.ProgressState())
			}
			if fromQueue {
				r.events.SignalProgressUpdate(nil)
			}
			r.events.SignalEvent(eventbus.Event{
				Type:     eventbus.EventWorkCompleted,
				Message:  job.State().String(),
				BackupID: job.BackupID(),
				TaskID:   job.ID(),
			})
		}
	}()

	syslog.L.Info().WithMessagef("starting %s of %q", job.Operation, job.Backup.Name).
		WithField("backupId", job.BackupID()).WithField("taskId", job.ID()).WithJob(key).Write()

	res, err := r.perform(ctx, job, logw, fromQueue)
	if err != nil {
		r.fail(job, err)
		if fromQueue {
			return nil, nil
		}
		return nil, err
	}

	switch res.Outcome {
	case engine.OK:
		r.succeed(job, res)
	case engine.AbortedByUser, engine.AbortedBySystem:
		r.aborted(job, res)
	default:
		err := res.Err
		if err == nil {
			err = errors.New(defaultFailureMessage)
		}
		r.fail(job, err)
		if fromQueue {
			return &res, nil
		}
		return &res, err
	}

	return &res, nil
}

// perform prepares and executes the engine call, then runs any dependents.
func (r *Runner) perform(ctx context.Context, job *Job, logw io.Writer, fromQueue bool) (engine.Result, error) {
	app, err := r.repo.GetApplicationSettings()
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to read application settings, using defaults").
			WithJob(taskKey(job)).Write()
	}

	options, err := r.buildOptions(job, app)
	if err != nil {
		return engine.Result{}, err
	}

	if job.Operation == engine.OperationDelete {
		return r.deleteBackup(ctx, job, options, logw)
	}

	var dependents []*Job
	if job.Operation == engine.OperationBackup {
		for _, name := range []string{OptionRetention, OptionKeepFullBackups} {
			if v := options[name]; v != "" {
				delete(options, name)
				dependents = append(dependents, NewJob(engine.OperationRemove, job.Backup, map[string]string{name: v}, nil, nil))
			}
		}
	}
	dependents = append(dependents, job.Dependents...)

	share := 1 / float64(1+len(dependents))
	job.setProgressScale(0, share)

	res, err := r.execute(ctx, job, options, logw)
	if err != nil || res.Outcome != engine.OK || res.Reason == engine.ReasonUserClosing {
		return res, err
	}

	for i, dep := range dependents {
		dep.setProgressScale(float64(i+1)*share, share)
		job.setController(dependentController{dep: dep})

		if _, err := r.Run(ctx, dep, fromQueue); err != nil || dep.State() != JobCompleted {
			syslog.L.Warn().WithMessagef("%s after %s did not complete", dep.Operation, job.Operation).
				WithField("state", dep.State().String()).WithJob(taskKey(job)).Write()
			job.setController(nil)
			break
		}
		job.setController(nil)
	}

	return res, nil
}

// execute runs one engine call with the job's controller slot attached.
func (r *Runner) execute(ctx context.Context, job *Job, options map[string]string, logw io.Writer) (engine.Result, error) {
	sources := make([]string, 0, len(job.Backup.Sources))
	for _, s := range job.Backup.Sources {
		sources = append(sources, utils.ExpandPath(s))
	}

	var filters []string
	if job.Operation == engine.OperationBackup {
		var err error
		if filters, err = r.buildFilters(job, sources); err != nil {
			return engine.Result{}, err
		}
	}

	if p := options[OptionRestorePath]; p != "" {
		options[OptionRestorePath] = utils.ExpandPath(p)
	}

	upload, err := parseThrottle(options[OptionThrottleUpload])
	if err != nil {
		return engine.Result{}, fmt.Errorf("invalid %s: %w", OptionThrottleUpload, err)
	}
	download, err := parseThrottle(options[OptionThrottleDownload])
	if err != nil {
		return engine.Result{}, fmt.Errorf("invalid %s: %w", OptionThrottleDownload, err)
	}
	delete(options, OptionThrottleUpload)
	delete(options, OptionThrottleDownload)

	job.mu.Lock()
	job.uploadLimit, job.downloadLimit = upload, download
	job.mu.Unlock()

	inv := engine.Invocation{
		Operation:  job.Operation,
		TaskID:     job.ID(),
		BackupID:   job.BackupID(),
		BackupName: job.Backup.Name,
		TargetURL:  job.Backup.TargetURL,
		Sources:    sources,
		Options:    options,
		Filters:    filters,
		Arguments:  append(append([]string{}, job.FilterStrings...), job.ExtraArguments...),
		LogWriter:  logw,
		Progress: func(p engine.Progress) {
			job.setProgress(p)
			if r.publisher != nil {
				r.publisher.Publish(job.ProgressState())
			}
		},
	}

	if r.controls != nil {
		inv.ThreadPriority = r.controls.ThreadPriority()
		inv.UploadLimit = effectiveLimit(upload, r.controls.UploadLimit())
		inv.DownloadLimit = effectiveLimit(download, r.controls.DownloadLimit())
	} else {
		inv.UploadLimit = effectiveLimit(upload, nil)
		inv.DownloadLimit = effectiveLimit(download, nil)
	}

	exec, err := r.engine.Prepare(inv)
	if err != nil {
		return engine.Result{}, fmt.Errorf("prepare %s: %w", job.Operation, err)
	}
	defer func() {
		if err := exec.Close(); err != nil {
			syslog.L.Debug().WithMessage("failed to close execution").
				WithField("error", err.Error()).WithJob(taskKey(job)).Write()
		}
	}()

	job.setController(exec)
	defer job.setController(nil)

	return exec.Execute(ctx), nil
}

func parseThrottle(v string) (int64, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	return utils.ParseSize(v, defaultThrottleUnit)
}

// buildOptions layers the common settings, the backup's own settings and the
// job's extra options.
func (r *Runner) buildOptions(job *Job, app types.ApplicationSettings) (map[string]string, error) {
	options := make(map[string]string)

	common, err := r.repo.GetSettings(types.CommonOptionsID)
	if err != nil {
		return nil, fmt.Errorf("read common options: %w", err)
	}
	for _, s := range common {
		options[strings.TrimPrefix(s.Name, overrideSettingPrefix)] = s.Value
	}

	options["backup-name"] = job.Backup.Name
	options["dbpath"] = job.Backup.DBPath
	options["backup-id"] = "DB-" + job.BackupID()

	for _, s := range job.Backup.Settings {
		if !strings.HasPrefix(s.Name, overrideSettingPrefix) {
			options[s.Name] = s.Value
		}
	}
	for _, s := range job.Backup.Settings {
		if strings.HasPrefix(s.Name, overrideSettingPrefix) {
			options[strings.TrimPrefix(s.Name, overrideSettingPrefix)] = s.Value
		}
	}

	for k, v := range job.ExtraOptions {
		options[k] = v
	}

	disableModule(options, passwordPromptModule)

	if url := strings.TrimSpace(app.AdditionalReportURL); url != "" {
		if existing := options[OptionReportURLs]; existing != "" {
			options[OptionReportURLs] = existing + ";" + url
		} else {
			options[OptionReportURLs] = url
		}
	}

	return options, nil
}

// disableModule adds module to the disabled list and drops it from the
// enabled list.
func disableModule(options map[string]string, module string) {
	split := func(v string) []string {
		var out []string
		for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' }) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}

	disabled := split(options[OptionDisableModule])
	found := false
	for _, m := range disabled {
		if strings.EqualFold(m, module) {
			found = true
			break
		}
	}
	if !found {
		disabled = append(disabled, module)
	}
	options[OptionDisableModule] = strings.Join(disabled, ",")

	if v, ok := options[OptionEnableModule]; ok {
		var enabled []string
		for _, m := range split(v) {
			if !strings.EqualFold(m, module) {
				enabled = append(enabled, m)
			}
		}
		options[OptionEnableModule] = strings.Join(enabled, ",")
	}
}

// buildFilters returns the common and backup filters in order, expanded
// and validated, as "+expr" / "-expr" strings. Sources the filters would
// exclude entirely are logged against the job.
func (r *Runner) buildFilters(job *Job, sources []string) ([]string, error) {
	common, err := r.repo.GetFilters(types.CommonOptionsID)
	if err != nil {
		return nil, fmt.Errorf("read common filters: %w", err)
	}

	own := append([]types.Filter(nil), job.Backup.Filters...)
	sort.SliceStable(own, func(i, j int) bool { return own[i].Order < own[j].Order })

	all := append(append([]types.Filter(nil), common...), own...)
	compiled := make([]*utils.Filter, 0, len(all))
	filters := make([]string, 0, len(all))
	for _, f := range all {
		c, err := utils.CompileFilter(f.Include, f.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		compiled = append(compiled, c)
		filters = append(filters, c.String())
	}

	for _, src := range excludedSources(sources, compiled) {
		syslog.L.Warn().WithMessagef("source %s is excluded by the filters", src).
			WithField("backupId", job.BackupID()).WithJob(taskKey(job)).Write()
	}

	return filters, nil
}

// excludedSources returns the sources whose first matching filter is an
// exclude. A source no filter matches is kept.
func excludedSources(sources []string, filters []*utils.Filter) []string {
	var excluded []string
	for _, src := range sources {
		for _, f := range filters {
			if f.Match(src) {
				if !f.Include {
					excluded = append(excluded, src)
				}
				break
			}
		}
	}
	return excluded
}

func (r *Runner) deleteBackup(ctx context.Context, job *Job, options map[string]string, logw io.Writer) (engine.Result, error) {
	res := engine.Result{Outcome: engine.OK, BeginTime: time.Now().UTC()}

	if utils.ParseBool(options[OptionDeleteRemoteFiles]) {
		var err error
		res, err = r.execute(ctx, job, options, logw)
		if err != nil || res.Outcome != engine.OK {
			return res, err
		}
	}

	if utils.ParseBool(options[OptionDeleteLocalDB]) {
		if dbpath := options["dbpath"]; dbpath != "" {
			if err := os.Remove(dbpath); err != nil && !os.IsNotExist(err) {
				return res, fmt.Errorf("remove local database %s: %w", dbpath, err)
			}
		}
	}

	if job.Backup.ID > 0 {
		if err := r.repo.DeleteBackup(nil, job.Backup.ID); err != nil {
			return res, fmt.Errorf("delete backup: %w", err)
		}
	}

	res.EndTime = time.Now().UTC()
	return res, nil
}

func (r *Runner) succeed(job *Job, res engine.Result) {
	switch job.Operation {
	case engine.OperationDelete:
		// the backup row is gone, nothing left to update
	case engine.OperationCreateReport:
		r.notify(job, types.Notification{
			Type:     types.NotificationInformation,
			Title:    "Bugreport ready",
			Message:  "Bugreport is ready for download",
			BackupID: job.BackupID(),
			Action:   bugReportNotificationAct + res.Stats.ReportPath,
		}, nil)
	case engine.OperationBackup:
		values := resultMetadata(job.Operation, res)
		values[MetaResumeOnStartup] = ""
		r.updateMetadata(job, values)
		if n := backupIssueNotification(job, res); n != nil {
			r.notify(job, *n, keepErrorDedupe)
		}
	default:
		r.updateMetadata(job, resultMetadata(job.Operation, res))
		if n := operationIssueNotification(job, res); n != nil {
			r.notify(job, *n, nil)
		}
	}

	syslog.L.Info().WithMessagef("%s of %q completed", job.Operation, job.Backup.Name).
		WithField("duration", res.Duration().String()).
		WithField("warnings", len(res.Warnings)).
		WithField("errors", len(res.Errors)).
		WithJob(taskKey(job)).Write()

	job.finish(JobCompleted, nil)
}

func (r *Runner) aborted(job *Job, res engine.Result) {
	reason := res.Reason
	if reason == "" {
		reason = engine.ReasonUserClosing
	}

	values := map[string]string{
		MetaLastAbortReason: reason,
		MetaLastAbortDate:   formatTime(time.Now()),
	}
	if res.Outcome == engine.AbortedBySystem && engine.IsShutdownReason(reason) {
		values[MetaResumeOnStartup] = "true"
	}
	r.updateMetadata(job, values)

	syslog.L.Warn().WithMessagef("%s of %q was aborted", job.Operation, job.Backup.Name).
		WithField("reason", reason).WithJob(taskKey(job)).Write()

	job.finish(JobAborted, nil)
}

func (r *Runner) fail(job *Job, err error) {
	message := fmt.Sprintf(failedOperationMessage, job.Operation, job.Backup.Name, job.BackupID())
	syslog.L.Error(err).WithMessage(message).WithJob(taskKey(job)).Write()

	if logErr := r.repo.LogError(job.BackupID(), message, err); logErr != nil {
		syslog.L.Error(logErr).WithMessage("failed to record error").WithJob(taskKey(job)).Write()
	}

	r.updateMetadata(job, map[string]string{
		MetaLastErrorDate:    formatTime(time.Now()),
		MetaLastErrorMessage: err.Error(),
	})

	r.notify(job, types.Notification{
		Type:      types.NotificationError,
		Title:     fmt.Sprintf("Error while running %s", job.Backup.Name),
		Message:   err.Error(),
		Exception: fmt.Sprintf("%+v", err),
		BackupID:  job.BackupID(),
		Action:    "backup:show-log",
	}, replaceDedupe)

	if r.reporter != nil {
		r.reporter.Report(err)
	}

	job.finish(JobFailed, err)
}

// dependentController routes the primary job's controls to the dependent
// job that is currently running.
type dependentController struct {
	dep *Job
}

func (c dependentController) Stop()                    { c.dep.Stop() }
func (c dependentController) Abort()                   { c.dep.Abort() }
func (c dependentController) Pause(alsoTransfers bool) { c.dep.Pause(alsoTransfers) }
func (c dependentController) Resume()                  { c.dep.Resume() }
func (c dependentController) SetPriority(p *types.Priority) {
	c.dep.SetPriority(p)
}
func (c dependentController) SetThrottleSpeeds(upload, download int64) {
	c.dep.UpdateThrottleSpeeds(&upload, &download)
}
