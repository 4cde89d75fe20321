// Package scheduler decides when scheduled backups fire and hands them to
// the work queue.
package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zeebo/xxh3"

	"github.com/pbs-plus/plus-scheduler/internal/backend/backup"
	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

const backupIDTagPrefix = "ID="

// Repository is the persistence the scheduler needs.
type Repository interface {
	ListSchedules() ([]types.Schedule, error)
	GetBackupIDsForTags(tags []string) ([]int64, error)
	GetBackup(id int64) (types.Backup, error)
	SaveNextRun(scheduleID int64, nextRun time.Time, lastRun time.Time) error
	LogError(backupID string, message string, err error) error
}

// Queue is where due backups are submitted.
type Queue interface {
	AddTask(job *backup.Job) error
	CurrentTasks() []*backup.Job
}

type Config struct {
	// MaxWait caps the sleep between passes.
	MaxWait time.Duration
	// IdleWait is used when no schedule has a repeat rule.
	IdleWait time.Duration
	// MinWait is the floor for any sleep.
	MinWait time.Duration
	// Location is consulted each pass for calendar arithmetic.
	Location func() *time.Location
	Now      func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxWait:  5 * time.Minute,
		IdleWait: time.Minute,
		MinWait:  100 * time.Millisecond,
	}
}

// Entry is one schedule and the time it fires next.
type Entry struct {
	Time     time.Time
	Schedule types.Schedule
}

// ProposedRun is the next time a single backup is expected to run.
type ProposedRun struct {
	BackupID string    `json:"backup-id"`
	Time     time.Time `json:"time"`
}

type cached struct {
	fingerprint uint64
	next        time.Time
}

type writeback struct {
	schedule types.Schedule
	nextRun  time.Time
	lastRun  time.Time
}

type Scheduler struct {
	repo  Repository
	queue Queue
	cfg   Config

	// only touched by the loop goroutine
	seen map[int64]cached

	mu       sync.Mutex
	schedule []Entry

	writebacks *xsync.MapOf[*backup.Job, writeback]

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	obsMu     sync.RWMutex
	observers []func()
}

func New(repo Repository, queue Queue, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = def.MinWait
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Scheduler{
		repo:       repo,
		queue:      queue,
		cfg:        cfg,
		seen:       make(map[int64]cached),
		writebacks: xsync.NewMapOf[*backup.Job, writeback](),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// AddObserver registers fn to be called after every pass.
func (s *Scheduler) AddObserver(fn func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Scheduler) notifyObservers() {
	s.obsMu.RLock()
	observers := append([]func(){}, s.observers...)
	s.obsMu.RUnlock()

	for _, fn := range observers {
		fn()
	}
}

// Start launches the scheduling goroutine. Later calls do nothing.
func (s *Scheduler) Start() {
	select {
	case <-s.stop:
		return
	default:
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.loop()
	})
}

// Reschedule makes the loop re-read the schedules now, starting it if needed.
func (s *Scheduler) Reschedule() {
	s.Start()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Terminate stops the loop. With wait it blocks until the loop has exited.
func (s *Scheduler) Terminate(wait bool) {
	s.stopOnce.Do(func() { close(s.stop) })
	if wait && s.started.Load() {
		<-s.done
	}
}

// Schedule returns the upcoming runs, earliest first.
func (s *Scheduler) Schedule() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.schedule...)
}

// ProposedSchedule lists the next run of every schedule that targets a
// single backup by id.
func (s *Scheduler) ProposedSchedule() []ProposedRun {
	var runs []ProposedRun
	for _, e := range s.Schedule() {
		for _, tag := range e.Schedule.Tags {
			if id, ok := strings.CutPrefix(tag, backupIDTagPrefix); ok && strings.TrimSpace(id) != "" {
				runs = append(runs, ProposedRun{BackupID: id, Time: e.Time})
				break
			}
		}
	}
	return runs
}

func (s *Scheduler) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		wait := s.pass()

		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) location() *time.Location {
	if s.cfg.Location == nil {
		return time.UTC
	}
	if loc := s.cfg.Location(); loc != nil {
		return loc
	}
	return time.UTC
}

func fingerprint(sc types.Schedule) uint64 {
	return xxh3.HashString(fmt.Sprintf("%s|%s|%d",
		strings.TrimSpace(sc.Repeat), types.FormatWeekdays(sc.AllowedDays), sc.Time.UnixNano()))
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// pass evaluates every schedule once and returns how long to sleep.
func (s *Scheduler) pass() time.Duration {
	now := s.cfg.Now()
	loc := s.location()

	schedules, err := s.repo.ListSchedules()
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to list schedules").Write()
		return s.cfg.IdleWait
	}

	existing := make(map[int64]types.Schedule, len(schedules))
	for _, sc := range schedules {
		existing[sc.ID] = sc

		if strings.TrimSpace(sc.Repeat) == "" {
			delete(s.seen, sc.ID)
			continue
		}

		fp := fingerprint(sc)
		var start, last time.Time
		if prev, ok := s.seen[sc.ID]; ok && prev.fingerprint == fp {
			start = prev.next
		} else {
			start, last = sc.Time, sc.LastRun
		}

		// a last run in the future means the clock went backwards
		if last.After(now) {
			start, last = now, now
		}

		start, err = GetNextValidTime(start, last, sc.Repeat, sc.AllowedDays, loc)
		if err != nil {
			s.scheduleError(sc, err)
			delete(s.seen, sc.ID)
			continue
		}

		if !start.After(now) {
			lower := laterOf(now.Add(time.Second), start.Add(time.Second))
			next, err := GetNextValidTime(start, lower, sc.Repeat, sc.AllowedDays, loc)
			if err != nil {
				s.scheduleError(sc, err)
				delete(s.seen, sc.ID)
				continue
			}

			jobs := s.collectJobs(sc, next)
			if len(jobs) > 0 {
				s.writebacks.Store(jobs[len(jobs)-1], writeback{schedule: sc, nextRun: next, lastRun: now})
			}
			for _, job := range jobs {
				if err := s.queue.AddTask(job); err != nil {
					syslog.L.Error(err).WithMessage("failed to queue scheduled backup").
						WithField("scheduleId", sc.ID).WithField("backupId", job.BackupID()).Write()
					s.writebacks.Delete(job)
				}
			}

			start = next
		}

		s.seen[sc.ID] = cached{fingerprint: fp, next: start}
	}

	for id := range s.seen {
		if _, ok := existing[id]; !ok {
			delete(s.seen, id)
		}
	}

	entries := make([]Entry, 0, len(s.seen))
	for id, c := range s.seen {
		entries = append(entries, Entry{Time: c.next, Schedule: existing[id]})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Schedule.ID < entries[j].Schedule.ID
		}
		return entries[i].Time.Before(entries[j].Time)
	})

	s.mu.Lock()
	s.schedule = entries
	s.mu.Unlock()

	s.notifyObservers()

	if len(entries) == 0 {
		return s.cfg.IdleWait
	}

	wait := entries[0].Time.Sub(s.cfg.Now())
	if wait > s.cfg.MaxWait {
		wait = s.cfg.MaxWait
	}
	if wait < s.cfg.MinWait {
		wait = s.cfg.MinWait
	}
	return wait
}

// collectJobs creates backup jobs for every backup the schedule targets
// that is not already queued or running.
func (s *Scheduler) collectJobs(sc types.Schedule, nextRun time.Time) []*backup.Job {
	ids, err := s.repo.GetBackupIDsForTags(sc.Tags)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to resolve schedule targets").WithField("scheduleId", sc.ID).Write()
		return nil
	}

	active := make(map[string]bool)
	for _, job := range s.queue.CurrentTasks() {
		if job.Operation == engine.OperationBackup {
			active[job.BackupID()] = true
		}
	}

	var jobs []*backup.Job
	for _, id := range ids {
		key := strconv.FormatInt(id, 10)
		if active[key] {
			continue
		}
		active[key] = true

		entry, err := s.repo.GetBackup(id)
		if err != nil {
			syslog.L.Error(err).WithMessage("scheduled backup not found").
				WithField("scheduleId", sc.ID).WithField("backupId", id).Write()
			continue
		}

		job := backup.NewJob(engine.OperationBackup, entry, map[string]string{
			backup.OptionNextScheduledRun: nextRun.UTC().Format(backup.TimeLayout),
		}, nil, nil)
		job.OnStarting = s.onStarting
		job.OnFinished = s.onFinished
		jobs = append(jobs, job)
	}

	return jobs
}

func (s *Scheduler) onStarting(job *backup.Job) {
	started := s.cfg.Now()
	s.writebacks.Compute(job, func(wb writeback, loaded bool) (writeback, bool) {
		if !loaded {
			return wb, true
		}
		wb.lastRun = started
		return wb, false
	})
}

func (s *Scheduler) onFinished(job *backup.Job, _ error) {
	wb, ok := s.writebacks.LoadAndDelete(job)
	if !ok {
		return
	}

	if err := s.repo.SaveNextRun(wb.schedule.ID, wb.nextRun, wb.lastRun); err != nil {
		syslog.L.Error(err).WithMessage("failed to save next run").
			WithField("scheduleId", wb.schedule.ID).Write()
		return
	}

	if s.started.Load() {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// pendingWritebacks is the number of scheduled jobs whose next run has not
// been saved yet.
func (s *Scheduler) pendingWritebacks() int {
	return s.writebacks.Size()
}

func (s *Scheduler) scheduleError(sc types.Schedule, err error) {
	syslog.L.Error(err).WithMessage("scheduler failed to find next date").
		WithField("scheduleId", sc.ID).WithField("repeat", sc.Repeat).Write()
	if logErr := s.repo.LogError(sc.IDString(), "Scheduler failed to find next date", err); logErr != nil {
		syslog.L.Error(logErr).WithMessage("failed to record scheduler error").Write()
	}
}
