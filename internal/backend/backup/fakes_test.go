package backup

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

type fakeExecution struct {
	inv    engine.Invocation
	result engine.Result
	block  bool

	mu        sync.Mutex
	stops     int
	aborts    int
	pauses    []bool
	resumes   int
	throttles [][2]int64
	priority  *types.Priority
	released  chan struct{}
	once      sync.Once
	closed    bool
}

func newFakeExecution(inv engine.Invocation, result engine.Result, block bool) *fakeExecution {
	return &fakeExecution{inv: inv, result: result, block: block, released: make(chan struct{})}
}

func (x *fakeExecution) release() {
	x.once.Do(func() { close(x.released) })
}

func (x *fakeExecution) Stop() {
	x.mu.Lock()
	x.stops++
	x.mu.Unlock()
	x.release()
}

func (x *fakeExecution) Abort() {
	x.mu.Lock()
	x.aborts++
	x.mu.Unlock()
	x.release()
}

func (x *fakeExecution) Pause(alsoTransfers bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pauses = append(x.pauses, alsoTransfers)
}

func (x *fakeExecution) Resume() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.resumes++
}

func (x *fakeExecution) SetThrottleSpeeds(upload, download int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.throttles = append(x.throttles, [2]int64{upload, download})
}

func (x *fakeExecution) SetPriority(p *types.Priority) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.priority = p
}

func (x *fakeExecution) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}

func (x *fakeExecution) Execute(ctx context.Context) engine.Result {
	res := x.result
	res.BeginTime = time.Now().UTC()

	if x.block {
		select {
		case <-x.released:
			res.Outcome = engine.AbortedByUser
			res.Reason = engine.ReasonUserClosing
		case <-ctx.Done():
			res.Outcome = engine.AbortedBySystem
			res.Reason = engine.ReasonAppExit
		}
	}

	if x.inv.Progress != nil {
		x.inv.Progress(engine.Progress{Phase: "done", Overall: 1})
	}

	res.EndTime = res.BeginTime.Add(time.Second)
	return res
}

// fakeEngine hands out executions that return the queued results in order,
// then OK.
type fakeEngine struct {
	mu         sync.Mutex
	results    []engine.Result
	block      bool
	prepareErr error
	execs      []*fakeExecution
}

func (e *fakeEngine) Prepare(inv engine.Invocation) (engine.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.prepareErr != nil {
		return nil, e.prepareErr
	}

	res := engine.Result{Outcome: engine.OK}
	if len(e.results) > 0 {
		res = e.results[0]
		e.results = e.results[1:]
	}

	x := newFakeExecution(inv, res, e.block)
	e.execs = append(e.execs, x)
	return x, nil
}

func (e *fakeEngine) executions() []*fakeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeExecution(nil), e.execs...)
}

type loggedError struct {
	backupID string
	message  string
	err      error
}

type fakeRepo struct {
	mu            sync.Mutex
	settings      map[int64][]types.Setting
	filters       map[int64][]types.Filter
	app           types.ApplicationSettings
	metadata      map[int64]map[string]string
	metaHistory   []map[string]string
	deleted       []int64
	errors        []loggedError
	notifications []types.Notification
	nextID        int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		settings: make(map[int64][]types.Setting),
		filters:  make(map[int64][]types.Filter),
		metadata: make(map[int64]map[string]string),
	}
}

func (f *fakeRepo) GetSettings(backupID int64) ([]types.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[backupID], nil
}

func (f *fakeRepo) GetFilters(backupID int64) ([]types.Filter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[backupID], nil
}

func (f *fakeRepo) GetApplicationSettings() (types.ApplicationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.app, nil
}

func (f *fakeRepo) SetMetadata(backupID int64, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make(map[string]string, len(values))
	meta := f.metadata[backupID]
	if meta == nil {
		meta = make(map[string]string)
		f.metadata[backupID] = meta
	}
	for k, v := range values {
		copied[k] = v
		if v == "" {
			delete(meta, k)
		} else {
			meta[k] = v
		}
	}
	f.metaHistory = append(f.metaHistory, copied)
	return nil
}

func (f *fakeRepo) meta(backupID int64) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.metadata[backupID] {
		out[k] = v
	}
	return out
}

func (f *fakeRepo) DeleteBackup(_ *sql.Tx, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRepo) LogError(backupID string, message string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, loggedError{backupID: backupID, message: message, err: err})
	return nil
}

func (f *fakeRepo) RegisterNotification(n types.Notification, dedupe types.NotificationDedupe) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dedupe != nil {
		existing := append([]types.Notification(nil), f.notifications...)
		if replace := dedupe(n, existing); replace != nil {
			for i := range f.notifications {
				if f.notifications[i].ID == replace.ID {
					f.notifications[i] = *replace
				}
			}
			return replace.ID, nil
		}
	}

	f.nextID++
	n.ID = f.nextID
	f.notifications = append(f.notifications, n)
	return n.ID, nil
}

func (f *fakeRepo) notes() []types.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Notification(nil), f.notifications...)
}

type fakeControls struct {
	priority         *types.Priority
	upload, download *int64
}

func (c fakeControls) ThreadPriority() *types.Priority { return c.priority }
func (c fakeControls) UploadLimit() *int64             { return c.upload }
func (c fakeControls) DownloadLimit() *int64           { return c.download }

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) Report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func int64Ptr(v int64) *int64 {
	return &v
}
