package unit

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sunlightlinux/slunit/internal/util"
)

// JobType is the operation a job performs on its unit.
type JobType uint8

const (
	JobStart JobType = iota
	JobStop
	JobRestart
)

func (t JobType) String() string {
	switch t {
	case JobStart:
		return "start"
	case JobStop:
		return "stop"
	case JobRestart:
		return "restart"
	default:
		return fmt.Sprintf("JobType(%d)", t)
	}
}

// ParseJobType maps a name to a JobType.
func ParseJobType(s string) (JobType, error) {
	switch s {
	case "start":
		return JobStart, nil
	case "stop":
		return JobStop, nil
	case "restart":
		return JobRestart, nil
	}
	return 0, fmt.Errorf("unknown job type %q", s)
}

// JobState tells whether a job has been dispatched to its unit.
type JobState uint8

const (
	JobWaiting JobState = iota
	JobRunning
)

func (s JobState) String() string {
	if s == JobRunning {
		return "running"
	}
	return "waiting"
}

// JobResult is how a job ended.
type JobResult uint8

const (
	JobDone JobResult = iota
	JobCanceled
	JobTimeout
	JobFailed
	JobDependency
	JobSkipped
	JobUnsupported
	JobInvalid
)

var jobResultNames = [...]string{
	JobDone:        "done",
	JobCanceled:    "canceled",
	JobTimeout:     "timeout",
	JobFailed:      "failed",
	JobDependency:  "dependency",
	JobSkipped:     "skipped",
	JobUnsupported: "unsupported",
	JobInvalid:     "invalid",
}

func (r JobResult) String() string {
	if int(r) < len(jobResultNames) {
		return jobResultNames[r]
	}
	return fmt.Sprintf("JobResult(%d)", r)
}

// Job is a pending start, stop or restart of one unit.
type Job struct {
	ID     uint32
	Type   JobType
	State  JobState
	Result JobResult

	unit       Unit
	inRunQueue bool
	finished   bool
	begin      time.Time
	timer      TimerSource
	waiters    []func(JobResult)
}

// Unit returns the unit the job operates on.
func (j *Job) Unit() Unit { return j.unit }

// Finished reports whether the job has completed.
func (j *Job) Finished() bool { return j.finished }

// OnFinish registers fn to run on the loop goroutine when the job
// completes. If it already has, fn runs immediately.
func (j *Job) OnFinish(fn func(JobResult)) {
	if j.finished {
		fn(j.Result)
		return
	}
	j.waiters = append(j.waiters, fn)
}

// AddJob installs a job for u and the jobs its dependencies imply,
// then returns without running anything; DispatchQueues runs them.
func (m *Manager) AddJob(t JobType, u Unit) (*Job, error) {
	r := u.Record()
	if r.loadState == LoadStub {
		m.DispatchLoadQueue()
	}
	switch r.loadState {
	case LoadLoaded:
	case LoadMasked:
		return nil, &LoadError{Unit: r.name, Err: fmt.Errorf("unit is masked: %w", ErrPerm)}
	default:
		if t == JobStart || t == JobRestart {
			err := r.loadErr
			if err == nil {
				err = ErrNotFound
			}
			return nil, &LoadError{Unit: r.name, Err: err}
		}
	}

	if t != JobStop && r.perpetual && u.ActiveState().IsActiveOrReloading() {
		if t == JobRestart {
			return nil, fmt.Errorf("unit %s may not be restarted: %w", r.name, ErrPerm)
		}
	}
	if t == JobStop && r.perpetual {
		return nil, fmt.Errorf("unit %s may not be stopped: %w", r.name, ErrPerm)
	}

	j := m.installJob(t, u)
	m.addJobDependencies(j)
	return j, nil
}

// AddJobByName is AddJob for a unit name, loading the unit if needed.
func (m *Manager) AddJobByName(t JobType, name string) (*Job, error) {
	u, err := m.LoadUnit(name)
	if err != nil {
		return nil, err
	}
	return m.AddJob(t, u)
}

// installJob attaches a job of type t to u, merging with or replacing
// a job already there.
func (m *Manager) installJob(t JobType, u Unit) *Job {
	r := u.Record()
	if old := r.job; old != nil {
		if old.Type == t {
			return old
		}
		m.finishJob(old, JobCanceled)
	}
	m.nextJobID++
	j := &Job{
		ID:    m.nextJobID,
		Type:  t,
		State: JobWaiting,
		unit:  u,
		begin: m.clock.Now(),
	}
	r.job = j
	m.jobs[j.ID] = j
	m.logger.Debug("Installed new job %s/%s as %d", r.name, t, j.ID)
	m.addToRunQueue(j)
	return j
}

// addJobDependencies pulls in the jobs a new job implies.
func (m *Manager) addJobDependencies(j *Job) {
	u := j.unit
	switch j.Type {
	case JobStart, JobRestart:
		for _, d := range []DependencyType{DepRequires, DepBindsTo, DepWants} {
			for _, other := range m.dependencyUnits(u, d) {
				m.pullStart(other, d != DepWants)
			}
		}
		for _, d := range []DependencyType{DepConflicts, DepConflictedBy} {
			for _, other := range m.dependencyUnits(u, d) {
				m.pullStop(other)
			}
		}
		if j.Type == JobRestart {
			m.propagateStop(u)
		}
	case JobStop:
		m.propagateStop(u)
	}
}

func (m *Manager) propagateStop(u Unit) {
	for _, d := range []DependencyType{DepRequiredBy, DepBoundBy, DepConsistsOf} {
		for _, other := range m.dependencyUnits(u, d) {
			m.pullStop(other)
		}
	}
}

func (m *Manager) pullStart(u Unit, required bool) {
	r := u.Record()
	if r.job != nil || u.ActiveState().IsActiveOrReloading() {
		return
	}
	if _, err := m.AddJob(JobStart, u); err != nil {
		if required {
			m.logger.Warn("Failed to pull in %s: %v", r.name, err)
		} else {
			m.logger.Debug("Not pulling in %s: %v", r.name, err)
		}
	}
}

func (m *Manager) pullStop(u Unit) {
	r := u.Record()
	if r.job != nil && r.job.Type == JobStop {
		return
	}
	if r.job == nil && u.ActiveState().IsInactiveOrFailed() {
		return
	}
	if r.perpetual {
		return
	}
	m.installJob(JobStop, u)
	m.propagateStop(u)
}

// Jobs returns the installed jobs ordered by ID.
func (m *Manager) Jobs() []*Job {
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// CancelJob cancels an installed job.
func (m *Manager) CancelJob(id uint32) error {
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	m.finishJob(j, JobCanceled)
	return nil
}

func (m *Manager) addToRunQueue(j *Job) {
	if j.inRunQueue || j.finished {
		return
	}
	j.inRunQueue = true
	m.runQueue = append(m.runQueue, j)
}

// requeueWaitingJobs puts every waiting job back into the run queue,
// since the ordering constraint that blocked it may have cleared.
func (m *Manager) requeueWaitingJobs() {
	for _, j := range m.Jobs() {
		if j.State == JobWaiting {
			m.addToRunQueue(j)
		}
	}
}

// jobRunnable applies After=/Before= ordering: a start job waits for
// any job of a unit it is ordered after, and any job waits for stop
// jobs of units it is ordered before.
func (m *Manager) jobRunnable(j *Job) bool {
	if j.Type == JobStart {
		for _, other := range m.dependencyUnits(j.unit, DepAfter) {
			if other.Record().job != nil {
				return false
			}
		}
	}
	for _, other := range m.dependencyUnits(j.unit, DepBefore) {
		if oj := other.Record().job; oj != nil && oj.Type != JobStart {
			return false
		}
	}
	return true
}

// dispatchRunQueue runs queued jobs until the queue drains.
func (m *Manager) dispatchRunQueue() {
	for len(m.runQueue) > 0 {
		j := m.runQueue[0]
		m.runQueue = m.runQueue[1:]
		j.inRunQueue = false
		if j.finished || j.State != JobWaiting {
			continue
		}
		if !m.jobRunnable(j) {
			continue
		}
		m.runJob(j)
	}
}

func (m *Manager) runJob(j *Job) {
	u := j.unit
	r := u.Record()

	j.State = JobRunning
	if to := r.jobRunningTimeout; to > 0 && to != util.Infinity && j.timer == nil {
		j.timer = m.timers.AddTimer(m.clock.Now().Add(to), func(time.Time) {
			if !j.finished {
				m.logger.Warn("Job %s/%s timed out.", r.name, j.Type)
				m.finishJob(j, JobTimeout)
			}
		})
	}

	var err error
	switch j.Type {
	case JobStart:
		if u.ActiveState().IsActiveOrReloading() {
			m.finishJob(j, JobDone)
			return
		}
		for _, other := range m.dependencyUnits(u, DepRequisite) {
			if !other.ActiveState().IsActiveOrReloading() {
				m.finishJob(j, JobDependency)
				return
			}
		}
		err = u.Start()
	case JobStop, JobRestart:
		if u.ActiveState().IsInactiveOrFailed() {
			m.finishJob(j, JobDone)
			return
		}
		err = u.Stop()
	}

	if r.job != j {
		// Finished by the state change Start/Stop caused.
		return
	}

	switch {
	case err == nil:
		switch j.Type {
		case JobStart:
			if u.ActiveState().IsActiveOrReloading() {
				m.finishJob(j, JobDone)
			}
		default:
			if u.ActiveState().IsInactiveOrFailed() {
				m.finishJob(j, JobDone)
			}
		}
	case errors.Is(err, ErrAgain):
		j.State = JobWaiting
	case errors.Is(err, ErrUnsupported):
		m.finishJob(j, JobUnsupported)
	case errors.Is(err, ErrNoExec):
		m.finishJob(j, JobInvalid)
	case errors.Is(err, ErrDependency):
		m.finishJob(j, JobDependency)
	default:
		r.debugf("Job %s failed: %v", j.Type, err)
		m.finishJob(j, JobFailed)
	}
}

// finishJob completes j with result. A restart whose stop half is done
// turns into a start instead.
func (m *Manager) finishJob(j *Job, result JobResult) {
	if j.finished {
		return
	}
	u := j.unit
	r := u.Record()

	if result == JobDone && j.Type == JobRestart {
		j.Type = JobStart
		j.State = JobWaiting
		m.addToRunQueue(j)
		return
	}

	j.finished = true
	j.Result = result
	if j.timer != nil {
		j.timer.Disable()
	}
	if r.job == j {
		r.job = nil
	}
	delete(m.jobs, j.ID)

	if result == JobDone {
		r.debugf("Job %d %s/%s finished, result=%s", j.ID, r.name, j.Type, result)
	} else {
		r.infof("Job %d %s/%s finished, result=%s", j.ID, r.name, j.Type, result)
	}

	for _, fn := range j.waiters {
		fn(result)
	}
	j.waiters = nil

	if j.Type == JobStart && result != JobDone && result != JobSkipped {
		for _, d := range []DependencyType{DepRequiredBy, DepBoundBy, DepRequisiteOf} {
			for _, other := range m.dependencyUnits(u, d) {
				if oj := other.Record().job; oj != nil && oj.Type == JobStart {
					m.finishJob(oj, JobDependency)
				}
			}
		}
	}

	m.requeueWaitingJobs()
	m.addToGCQueue(u)
}
