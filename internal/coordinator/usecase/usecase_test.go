package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/config"
	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu sync.Mutex

	workers   map[uuid.UUID]*models.Worker
	jobs      map[uuid.UUID]*models.TranscodeJob
	units     map[uuid.UUID][]*models.JobUnit
	unclaimed []uuid.UUID

	gpuHeartbeat *time.Time

	failCalls     []bool
	preserveCalls []bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		workers: make(map[uuid.UUID]*models.Worker),
		jobs:    make(map[uuid.UUID]*models.TranscodeJob),
		units:   make(map[uuid.UUID][]*models.JobUnit),
	}
}

func (f *fakeRepo) addWorker(class models.WorkerClass, status models.WorkerStatus) *models.Worker {
	w := &models.Worker{WorkerID: uuid.New(), DisplayName: "w", Class: class, Status: status}
	f.workers[w.WorkerID] = w
	return w
}

func (f *fakeRepo) addUnclaimedJob(maxAttempts int) *models.TranscodeJob {
	job := &models.TranscodeJob{
		JobID:         uuid.New(),
		VideoID:       uuid.New(),
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
		CreatedAt:     time.Now(),
	}
	f.jobs[job.JobID] = job
	f.unclaimed = append(f.unclaimed, job.JobID)
	return job
}

func (f *fakeRepo) CreateJob(_ context.Context, videoID uuid.UUID, units []models.UnitInput, maxAttempts int) (*models.TranscodeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &models.TranscodeJob{JobID: uuid.New(), VideoID: videoID, AttemptNumber: 1, MaxAttempts: maxAttempts, CreatedAt: time.Now()}
	f.jobs[job.JobID] = job
	for _, u := range units {
		f.units[job.JobID] = append(f.units[job.JobID], &models.JobUnit{
			JobID: job.JobID, UnitName: u.Name, Status: models.UnitStatusPending, TotalCount: u.TotalCount,
		})
	}
	f.unclaimed = append(f.unclaimed, job.JobID)
	return job, nil
}

// ClaimJob mimics the SKIP LOCKED selection: each call atomically pops one
// candidate, so concurrent claims can never share a job.
func (f *fakeRepo) ClaimJob(_ context.Context, worker *models.Worker, leaseDuration time.Duration) (*models.JobGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.unclaimed) == 0 {
		return nil, nil
	}
	jobID := f.unclaimed[0]
	f.unclaimed = f.unclaimed[1:]
	job := f.jobs[jobID]
	now := time.Now()
	expires := now.Add(leaseDuration)
	job.WorkerID = &worker.WorkerID
	job.LeasedAt = &now
	job.LeaseExpiresAt = &expires
	return &models.JobGrant{
		Job:            job,
		Video:          &models.Video{VideoID: job.VideoID},
		Units:          f.units[jobID],
		LeaseExpiresAt: expires,
	}, nil
}

func (f *fakeRepo) ExtendAndReport(_ context.Context, workerID, jobID uuid.UUID, phase models.JobPhase, percent float64, _ []models.UnitUpdate, leaseDuration time.Duration) (*models.TranscodeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, coordinator.ErrJobNotFound
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return nil, coordinator.ErrNotOwner
	}
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(time.Now()) {
		return nil, coordinator.ErrLeaseExpired
	}
	expires := time.Now().Add(leaseDuration)
	job.LeaseExpiresAt = &expires
	job.CurrentPhase = phase
	job.ProgressPercent = percent
	return job, nil
}

func (f *fakeRepo) CompleteJob(_ context.Context, workerID, jobID uuid.UUID, _ []models.UnitUpdate) (*models.TranscodeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, coordinator.ErrJobNotFound
	}
	if job.CompletedAt != nil {
		return nil, coordinator.ErrAlreadyCompleted
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return nil, coordinator.ErrNotOwner
	}
	now := time.Now()
	job.CompletedAt = &now
	job.WorkerID = nil
	job.LeaseExpiresAt = nil
	job.ProgressPercent = 100
	return job, nil
}

func (f *fakeRepo) FailJob(_ context.Context, workerID, jobID uuid.UUID, errMsg string, retryable, preserve bool) (*models.TranscodeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls = append(f.failCalls, retryable)
	f.preserveCalls = append(f.preserveCalls, preserve)
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, coordinator.ErrJobNotFound
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return nil, coordinator.ErrNotOwner
	}
	job.AttemptNumber++
	job.LastError = &errMsg
	if retryable && job.AttemptNumber <= job.MaxAttempts {
		job.WorkerID = nil
		job.LeaseExpiresAt = nil
		f.unclaimed = append(f.unclaimed, jobID)
	} else if !retryable {
		job.AttemptNumber = job.MaxAttempts + 1
	}
	return job, nil
}

func (f *fakeRepo) GetJobByID(_ context.Context, jobID uuid.UUID) (*models.TranscodeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, coordinator.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeRepo) GetJobUnits(_ context.Context, jobID uuid.UUID) ([]*models.JobUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[jobID], nil
}

func (f *fakeRepo) RegisterWorker(_ context.Context, input *models.WorkerRegisterInput) (*models.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &models.Worker{WorkerID: input.WorkerID, DisplayName: input.DisplayName, Class: input.Class, Status: models.WorkerStatusIdle}
	f.workers[w.WorkerID] = w
	return w, nil
}

func (f *fakeRepo) GetWorkerByID(_ context.Context, workerID uuid.UUID) (*models.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return nil, coordinator.ErrWorkerNotFound
	}
	return w, nil
}

func (f *fakeRepo) RecordHeartbeat(_ context.Context, input *models.HeartbeatInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[input.WorkerID]
	if !ok {
		return coordinator.ErrWorkerNotFound
	}
	now := time.Now()
	w.LastHeartbeatAt = &now
	if w.Status != models.WorkerStatusDisabled {
		w.Status = input.Status
	}
	return nil
}

func (f *fakeRepo) ListWorkers(_ context.Context) ([]*models.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	workers := make([]*models.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	return workers, nil
}

func (f *fakeRepo) LatestHeartbeatByClass(_ context.Context, class models.WorkerClass) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if class == models.WorkerClassGPU {
		return f.gpuHeartbeat, nil
	}
	return nil, nil
}

func (f *fakeRepo) MarkStaleWorkersOffline(context.Context, time.Duration) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeRepo) ReclaimExpiredLeases(context.Context) ([]*models.TranscodeJob, error) {
	return nil, nil
}

type fakeDispatch struct {
	mu        sync.Mutex
	announced []*models.JobAnnouncement
	progress  []*models.ProgressEvent
	alerts    []*models.FailureAlert
}

func (d *fakeDispatch) AnnounceJob(_ context.Context, ann *models.JobAnnouncement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announced = append(d.announced, ann)
	return nil
}

func (d *fakeDispatch) AwaitJob(context.Context, string, time.Duration) (*models.JobAnnouncement, error) {
	return nil, nil
}

func (d *fakeDispatch) PublishProgress(_ context.Context, event *models.ProgressEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = append(d.progress, event)
	return nil
}

func (d *fakeDispatch) PublishAlert(_ context.Context, alert *models.FailureAlert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, alert)
	return nil
}

type nopLogger struct{}

func (nopLogger) InitLogger()                    {}
func (nopLogger) Debug(...interface{})           {}
func (nopLogger) Debugf(string, ...interface{})  {}
func (nopLogger) Info(...interface{})            {}
func (nopLogger) Infof(string, ...interface{})   {}
func (nopLogger) Warn(...interface{})            {}
func (nopLogger) Warnf(string, ...interface{})   {}
func (nopLogger) Error(...interface{})           {}
func (nopLogger) Errorf(string, ...interface{})  {}
func (nopLogger) DPanic(...interface{})          {}
func (nopLogger) DPanicf(string, ...interface{}) {}
func (nopLogger) Fatal(...interface{})           {}
func (nopLogger) Fatalf(string, ...interface{})  {}

func testConfig() *config.Config {
	return &config.Config{
		Coordinator: config.CoordinatorConfig{
			LeaseDuration:          30 * time.Minute,
			HeartbeatInterval:      30 * time.Second,
			GPUDeferralWindow:      time.Minute,
			MaxAttempts:            3,
			PreserveCompletedUnits: true,
		},
	}
}

func newTestUC(repo *fakeRepo, disp *fakeDispatch) coordinator.UseCase {
	return NewCoordUseCase(testConfig(), repo, disp, nopLogger{})
}

func TestClaimGrantsUnclaimedJob(t *testing.T) {
	repo := newFakeRepo()
	disp := &fakeDispatch{}
	uc := newTestUC(repo, disp)

	worker := repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	job := repo.addUnclaimedJob(3)

	grant, err := uc.Claim(context.Background(), worker.WorkerID)
	require.NoError(t, err)
	require.Equal(t, job.JobID, grant.Job.JobID)
	require.True(t, grant.LeaseExpiresAt.After(time.Now()))

	_, err = uc.Claim(context.Background(), worker.WorkerID)
	require.ErrorIs(t, err, coordinator.ErrNoJobAvailable)
}

func TestClaimRejectsDisabledWorker(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	worker := repo.addWorker(models.WorkerClassCPU, models.WorkerStatusDisabled)
	repo.addUnclaimedJob(3)

	_, err := uc.Claim(context.Background(), worker.WorkerID)
	require.ErrorIs(t, err, coordinator.ErrWorkerDisabled)
}

func TestClaimRejectsUnknownWorker(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	_, err := uc.Claim(context.Background(), uuid.New())
	require.ErrorIs(t, err, coordinator.ErrWorkerNotFound)
}

func TestCPUDefersToRecentGPUHeartbeat(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	cpu := repo.addWorker(models.WorkerClassCPU, models.WorkerStatusIdle)
	repo.addUnclaimedJob(3)

	recent := time.Now().Add(-10 * time.Second)
	repo.gpuHeartbeat = &recent

	_, err := uc.Claim(context.Background(), cpu.WorkerID)
	require.ErrorIs(t, err, coordinator.ErrNoJobAvailable)
}

func TestCPUClaimsWhenGPUHeartbeatStale(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	cpu := repo.addWorker(models.WorkerClassCPU, models.WorkerStatusIdle)
	job := repo.addUnclaimedJob(3)

	// Older than the deferral window: the CPU worker proceeds, which bounds
	// its starvation.
	stale := time.Now().Add(-2 * time.Minute)
	repo.gpuHeartbeat = &stale

	grant, err := uc.Claim(context.Background(), cpu.WorkerID)
	require.NoError(t, err)
	require.Equal(t, job.JobID, grant.Job.JobID)
}

func TestCPUClaimsWhenNoGPUEverHeartbeated(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	cpu := repo.addWorker(models.WorkerClassCPU, models.WorkerStatusIdle)
	repo.addUnclaimedJob(3)

	_, err := uc.Claim(context.Background(), cpu.WorkerID)
	require.NoError(t, err)
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	const jobCount = 5
	const claimers = 20
	for i := 0; i < jobCount; i++ {
		repo.addUnclaimedJob(3)
	}
	workers := make([]*models.Worker, claimers)
	for i := range workers {
		workers[i] = repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	}

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]uuid.UUID)
	granted := 0

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(w *models.Worker) {
			defer wg.Done()
			grant, err := uc.Claim(context.Background(), w.WorkerID)
			if errors.Is(err, coordinator.ErrNoJobAvailable) {
				return
			}
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			granted++
			if prev, dup := claimed[grant.Job.JobID]; dup {
				t.Errorf("job %s granted to both %s and %s", grant.Job.JobID, prev, w.WorkerID)
			}
			claimed[grant.Job.JobID] = w.WorkerID
		}(workers[i])
	}
	wg.Wait()

	require.Equal(t, jobCount, granted)
	require.Len(t, claimed, jobCount)
}

func TestExtendAndReportPublishesProgress(t *testing.T) {
	repo := newFakeRepo()
	disp := &fakeDispatch{}
	uc := newTestUC(repo, disp)

	worker := repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	repo.addUnclaimedJob(3)
	grant, err := uc.Claim(context.Background(), worker.WorkerID)
	require.NoError(t, err)

	before := *grant.Job.LeaseExpiresAt
	time.Sleep(5 * time.Millisecond)

	err = uc.ExtendAndReport(context.Background(), worker.WorkerID, grant.Job.JobID, models.PhaseEncode, 40, []models.UnitUpdate{
		{UnitName: "720p", Status: models.UnitStatusInProgress, ProgressPercent: 40},
	})
	require.NoError(t, err)
	require.True(t, grant.Job.LeaseExpiresAt.After(before), "lease must strictly advance")

	require.Len(t, disp.progress, 1)
	require.Equal(t, models.PhaseEncode, disp.progress[0].Phase)
	require.Equal(t, models.UnitStatusInProgress, disp.progress[0].UnitStatuses["720p"])
}

func TestExtendAndReportRejectsInvalidPhase(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})
	err := uc.ExtendAndReport(context.Background(), uuid.New(), uuid.New(), models.JobPhase("warp"), 10, nil)
	require.Error(t, err)
}

func TestExtendAndReportAfterExpiry(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	worker := repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	job := repo.addUnclaimedJob(3)
	_, err := uc.Claim(context.Background(), worker.WorkerID)
	require.NoError(t, err)

	expired := time.Now().Add(-time.Second)
	job.LeaseExpiresAt = &expired

	err = uc.ExtendAndReport(context.Background(), worker.WorkerID, job.JobID, models.PhaseEncode, 50, nil)
	require.ErrorIs(t, err, coordinator.ErrLeaseExpired)
}

func TestCompleteIsIdempotentlyRejected(t *testing.T) {
	repo := newFakeRepo()
	disp := &fakeDispatch{}
	uc := newTestUC(repo, disp)

	worker := repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	job := repo.addUnclaimedJob(3)
	_, err := uc.Claim(context.Background(), worker.WorkerID)
	require.NoError(t, err)

	require.NoError(t, uc.Complete(context.Background(), worker.WorkerID, job.JobID, nil))

	err = uc.Complete(context.Background(), worker.WorkerID, job.JobID, nil)
	require.ErrorIs(t, err, coordinator.ErrAlreadyCompleted)
}

func TestFailWithRetryAnnouncesRequeue(t *testing.T) {
	repo := newFakeRepo()
	disp := &fakeDispatch{}
	uc := newTestUC(repo, disp)

	worker := repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	job := repo.addUnclaimedJob(3)
	_, err := uc.Claim(context.Background(), worker.WorkerID)
	require.NoError(t, err)

	require.NoError(t, uc.Fail(context.Background(), worker.WorkerID, job.JobID, "encoder crashed", true))

	require.Equal(t, 2, job.AttemptNumber)
	require.Nil(t, job.WorkerID)
	require.Len(t, disp.announced, 1)
	require.Empty(t, disp.alerts)
	require.Equal(t, []bool{true}, repo.preserveCalls, "preserve-completed-units flag must flow through")
}

func TestFailExhaustionEmitsAlert(t *testing.T) {
	repo := newFakeRepo()
	disp := &fakeDispatch{}
	uc := newTestUC(repo, disp)

	worker := repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	job := repo.addUnclaimedJob(2)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := uc.Claim(context.Background(), worker.WorkerID)
		require.NoError(t, err)
		require.NoError(t, uc.Fail(context.Background(), worker.WorkerID, job.JobID, fmt.Sprintf("crash %d", attempt), true))
	}

	require.Equal(t, models.JobStateFailedPermanent, models.DeriveJobState(job, time.Now()))
	require.Len(t, disp.alerts, 1)
	require.Equal(t, job.JobID, disp.alerts[0].JobID)
	require.Equal(t, job.AttemptNumber, disp.alerts[0].Attempts, "alert must carry the real attempt counter")
	require.Equal(t, "crash 1", disp.alerts[0].LastError)

	// A permanently failed job is never claimable again.
	_, err := uc.Claim(context.Background(), worker.WorkerID)
	require.ErrorIs(t, err, coordinator.ErrNoJobAvailable)
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	repo := newFakeRepo()
	disp := &fakeDispatch{}
	uc := newTestUC(repo, disp)

	worker := repo.addWorker(models.WorkerClassGPU, models.WorkerStatusIdle)
	job := repo.addUnclaimedJob(3)
	_, err := uc.Claim(context.Background(), worker.WorkerID)
	require.NoError(t, err)

	require.NoError(t, uc.Fail(context.Background(), worker.WorkerID, job.JobID, "unsupported codec", false))
	require.Equal(t, models.JobStateFailedPermanent, models.DeriveJobState(job, time.Now()))
	require.Len(t, disp.alerts, 1)
	require.Equal(t, job.AttemptNumber, disp.alerts[0].Attempts)
}

func TestHeartbeatRejectsBadStatus(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	worker := repo.addWorker(models.WorkerClassCPU, models.WorkerStatusIdle)

	err := uc.Heartbeat(context.Background(), &models.HeartbeatInput{
		WorkerID: worker.WorkerID,
		Status:   models.WorkerStatusOffline,
	})
	require.Error(t, err)

	err = uc.Heartbeat(context.Background(), &models.HeartbeatInput{
		WorkerID: worker.WorkerID,
		Status:   models.WorkerStatusBusy,
	})
	require.NoError(t, err)
	require.Equal(t, models.WorkerStatusBusy, worker.Status)
}

func TestCreateJobAnnouncesAndDefaultsAttempts(t *testing.T) {
	repo := newFakeRepo()
	disp := &fakeDispatch{}
	uc := newTestUC(repo, disp)

	job, err := uc.CreateJob(context.Background(), &models.JobCreateInput{
		VideoID: uuid.New(),
		Units:   []models.UnitInput{{Name: "1080p", TotalCount: 12}, {Name: "720p", TotalCount: 12}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, job.MaxAttempts)
	require.Len(t, disp.announced, 1)
	require.Equal(t, job.JobID, disp.announced[0].JobID)
}

func TestGetJobStateDerivesState(t *testing.T) {
	repo := newFakeRepo()
	uc := newTestUC(repo, &fakeDispatch{})

	job := repo.addUnclaimedJob(3)
	view, err := uc.GetJobState(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateUnclaimed, view.State)

	_, err = uc.GetJobState(context.Background(), uuid.New())
	require.ErrorIs(t, err, coordinator.ErrJobNotFound)
}
