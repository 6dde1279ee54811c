package updater

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/health"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/mdu"
	"github.com/teranos/drover/pulse/backoff"
	"github.com/teranos/drover/pulse/broadcast"
)

type memoryStore struct {
	mu   sync.Mutex
	mods map[string][]material.Modification
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{mods: make(map[string][]material.Modification)}
}

func (s *memoryStore) LatestModification(_ context.Context, fp string) (material.Modification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return material.Modification{}, false, s.err
	}
	mods := s.mods[fp]
	if len(mods) == 0 {
		return material.Modification{}, false, nil
	}
	return mods[len(mods)-1], true, nil
}

func (s *memoryStore) SaveModification(_ context.Context, mod material.Modification) (material.Modification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mod.ID = int64(len(s.mods[mod.Fingerprint]) + 1)
	s.mods[mod.Fingerprint] = append(s.mods[mod.Fingerprint], mod)
	return mod, nil
}

type recordingCompleter struct {
	events   []broadcast.Event
	activity []string
}

func (c *recordingCompleter) OnMessage(_ context.Context, e broadcast.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *recordingCompleter) RecordActivity(fp string) {
	c.activity = append(c.activity, fp)
}

var gitMaterial = material.Material{Kind: material.KindGit, URL: "https://example.com/repo.git", AutoUpdate: true}

func newTestWorker(t *testing.T) (*Worker, *memoryStore, *recordingCompleter) {
	t.Helper()
	store := newMemoryStore()
	done := &recordingCompleter{}
	w := NewWorker(WorkerOptions{Store: store, Completer: done, Logger: zaptest.NewLogger(t).Sugar()})
	return w, store, done
}

func fixedUpdater(rev string) Updater {
	return UpdaterFunc(func(context.Context, material.Material) (material.Modification, error) {
		return material.Modification{Revision: rev, CommittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
	})
}

func TestWorkerSavesNewModifications(t *testing.T) {
	w, store, done := newTestWorker(t)
	w.Register(material.KindGit, fixedUpdater("abc123"))

	msg := mdu.NewUpdateMessage(gitMaterial, mdu.TriggerTimer, time.Now())
	require.NoError(t, w.OnMessage(context.Background(), msg))
	require.NoError(t, w.OnMessage(context.Background(), msg))

	fp := gitMaterial.Fingerprint()
	assert.Len(t, store.mods[fp], 1, "unchanged revision is not saved twice")
	assert.Equal(t, "abc123", store.mods[fp][0].Revision)

	require.Len(t, done.events, 2)
	assert.Equal(t, broadcast.KindCompleted, done.events[0].Kind)
	assert.Equal(t, msg.ID, done.events[0].MessageID)
	assert.False(t, done.events[0].At.IsZero())
	assert.Contains(t, done.activity, fp)
}

func TestWorkerReportsFailures(t *testing.T) {
	w, _, done := newTestWorker(t)
	w.Register(material.KindGit, UpdaterFunc(func(context.Context, material.Material) (material.Modification, error) {
		return material.Modification{}, errors.New("connection refused")
	}))

	require.NoError(t, w.OnMessage(context.Background(), mdu.NewUpdateMessage(gitMaterial, mdu.TriggerTimer, time.Now())))
	require.Len(t, done.events, 1)
	assert.Equal(t, broadcast.KindFailed, done.events[0].Kind)
	assert.Contains(t, done.events[0].Reason, "connection refused")
}

func TestWorkerReportsStoreFailures(t *testing.T) {
	w, store, done := newTestWorker(t)
	w.Register(material.KindGit, fixedUpdater("abc123"))
	store.err = errors.New("disk I/O error")

	require.NoError(t, w.OnMessage(context.Background(), mdu.NewUpdateMessage(gitMaterial, mdu.TriggerTimer, time.Now())))
	require.Len(t, done.events, 1)
	assert.Equal(t, broadcast.KindFailed, done.events[0].Kind)
	assert.Contains(t, done.events[0].Reason, "disk I/O error")
}

func TestWorkerSkips(t *testing.T) {
	t.Run("no updater for kind", func(t *testing.T) {
		w, _, done := newTestWorker(t)
		m := material.Material{Kind: material.KindHg, URL: "https://example.com/hg"}
		require.NoError(t, w.OnMessage(context.Background(), mdu.NewUpdateMessage(m, mdu.TriggerTimer, time.Now())))
		require.Len(t, done.events, 1)
		assert.Equal(t, broadcast.KindSkipped, done.events[0].Kind)
	})

	t.Run("updater skipped", func(t *testing.T) {
		w, store, done := newTestWorker(t)
		w.Register(material.KindGit, UpdaterFunc(func(context.Context, material.Material) (material.Modification, error) {
			return material.Modification{}, ErrSkipped
		}))
		require.NoError(t, w.OnMessage(context.Background(), mdu.NewUpdateMessage(gitMaterial, mdu.TriggerTimer, time.Now())))
		require.Len(t, done.events, 1)
		assert.Equal(t, broadcast.KindSkipped, done.events[0].Kind)
		assert.Empty(t, store.mods)
	})
}

func TestUnchangedRemoteHeadClearsFailureHistory(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	fp := gitMaterial.Fingerprint()
	store := newMemoryStore()
	saved, err := store.SaveModification(context.Background(), material.Modification{Fingerprint: fp, Revision: "4b825dc642cb6eb9a060e54bf8d69288fbee4904"})
	require.NoError(t, err)

	policy := backoff.NewPolicy(backoff.DefaultConfig(), log)
	healthSvc := health.NewService(log)
	bc := broadcast.New(log)
	bc.Register("backoff", mdu.BackoffListener{Policy: policy}, broadcast.KindCompleted, broadcast.KindFailed)
	c := mdu.New(mdu.Options{
		Config:          &stubConfig{},
		Backoff:         policy,
		Health:          healthSvc,
		Broadcaster:     bc,
		SCMQueue:        discard{},
		DependencyQueue: discard{},
		ConfigQueue:     discard{},
		Logger:          log,
	})
	w := NewWorker(WorkerOptions{Store: store, Completer: c, Logger: log})

	g := GitUpdater{Known: func(ctx context.Context, fp string) (material.Modification, bool) {
		mod, ok, _ := store.LatestModification(ctx, fp)
		return mod, ok
	}}
	reachable := false
	w.Register(material.KindGit, UpdaterFunc(func(ctx context.Context, m material.Material) (material.Modification, error) {
		if !reachable {
			return material.Modification{}, errors.New("connection reset")
		}
		mod, ok := g.known(ctx, m, plumbing.NewHash(saved.Revision))
		require.True(t, ok, "head still matches the recorded revision")
		return mod, nil
	}))

	ctx := context.Background()
	require.NoError(t, w.OnMessage(ctx, mdu.NewUpdateMessage(gitMaterial, mdu.TriggerTimer, time.Now())))
	_, tracked := policy.State(fp)
	require.True(t, tracked)
	_, warned := healthSvc.Get(health.ForMaterialUpdate(fp))
	require.True(t, warned)

	reachable = true
	require.NoError(t, w.OnMessage(ctx, mdu.NewUpdateMessage(gitMaterial, mdu.TriggerTimer, time.Now())))
	_, tracked = policy.State(fp)
	assert.False(t, tracked, "a successful check resets backoff")
	_, warned = healthSvc.Get(health.ForMaterialUpdate(fp))
	assert.False(t, warned, "a successful check clears the failure warning")
	assert.Len(t, store.mods[fp], 1, "known revision is not saved again")
}

func TestGitUpdaterKnown(t *testing.T) {
	head := plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")
	ctx := context.Background()

	_, ok := GitUpdater{}.known(ctx, gitMaterial, head)
	assert.False(t, ok, "no lookup configured")

	recorded := material.Modification{ID: 3, Revision: head.String(), Comment: "Initial commit"}
	g := GitUpdater{Known: func(context.Context, string) (material.Modification, bool) { return recorded, true }}
	mod, ok := g.known(ctx, gitMaterial, head)
	require.True(t, ok)
	assert.Equal(t, recorded, mod)

	_, ok = g.known(ctx, gitMaterial, plumbing.NewHash("aa218f56b14c9653891f9e74264a383fa43fefbd"))
	assert.False(t, ok, "head moved")
}

type stubConfig struct{}

func (stubConfig) SchedulableMaterials(context.Context) ([]material.Material, error) { return nil, nil }
func (stubConfig) AllMaterials(context.Context) ([]material.Material, error)         { return nil, nil }
func (stubConfig) IsConfigRepo(context.Context, string) bool                         { return false }
func (stubConfig) DependentsOf(context.Context, string) ([]material.Material, error) { return nil, nil }
func (stubConfig) MaintenanceMode(context.Context) bool                              { return false }

type discard struct{}

func (discard) Post(context.Context, mdu.UpdateMessage) error { return nil }

func TestWorkerTimeout(t *testing.T) {
	store := newMemoryStore()
	done := &recordingCompleter{}
	w := NewWorker(WorkerOptions{Store: store, Completer: done, Timeout: 10 * time.Millisecond})
	w.Register(material.KindGit, UpdaterFunc(func(ctx context.Context, _ material.Material) (material.Modification, error) {
		<-ctx.Done()
		return material.Modification{}, ctx.Err()
	}))

	require.NoError(t, w.OnMessage(context.Background(), mdu.NewUpdateMessage(gitMaterial, mdu.TriggerTimer, time.Now())))
	require.Len(t, done.events, 1)
	assert.Equal(t, broadcast.KindFailed, done.events[0].Kind)
	assert.Contains(t, done.events[0].Reason, "deadline exceeded")
}

type fakeStages map[string]StageRun

func (f fakeStages) LatestPassedStage(_ context.Context, pipeline, stage string) (StageRun, bool, error) {
	run, ok := f[pipeline+"/"+stage]
	return run, ok, nil
}

func TestDependencyUpdater(t *testing.T) {
	completed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := DependencyUpdater{Stages: fakeStages{
		"up/build": {Pipeline: "up", PipelineCounter: 7, Stage: "build", StageCounter: 2, Result: "passed", CompletedAt: completed},
	}}

	mod, err := d.Latest(context.Background(), material.Material{Kind: material.KindDependency, UpstreamPipeline: "up", UpstreamStage: "build"})
	require.NoError(t, err)
	assert.Equal(t, "up/7/build/2", mod.Revision)
	assert.Equal(t, completed, mod.CommittedAt)

	_, err = d.Latest(context.Background(), material.Material{Kind: material.KindDependency, UpstreamPipeline: "up", UpstreamStage: "test"})
	assert.True(t, errors.Is(err, ErrSkipped), "never passed")

	_, err = d.Latest(context.Background(), gitMaterial)
	assert.True(t, errors.IsInvalidRequestError(err))
}
