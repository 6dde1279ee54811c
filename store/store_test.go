package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/errors"
	drovertest "github.com/teranos/drover/internal/testing"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/timeline"
	"github.com/teranos/drover/updater"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(drovertest.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
}

var (
	gitMaterial = material.Material{Kind: material.KindGit, URL: "https://github.com/teranos/drover.git", Branch: "main", AutoUpdate: true}
	svnMaterial = material.Material{Kind: material.KindSvn, URL: "https://svn.example.com/repo", Attributes: map[string]string{"uuid": "f2a0"}, AutoUpdate: true}
	depMaterial = material.Material{Kind: material.KindDependency, UpstreamPipeline: "build", UpstreamStage: "package", AutoUpdate: true}
)

func TestMaterials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMaterial(ctx, MaterialRecord{Material: gitMaterial, Pipelines: []string{"build"}}))
	require.NoError(t, s.SaveMaterial(ctx, MaterialRecord{Material: svnMaterial}))
	require.NoError(t, s.SaveMaterial(ctx, MaterialRecord{Material: depMaterial, Pipelines: []string{"deploy"}}))

	all, err := s.AllMaterials(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, gitMaterial.Fingerprint(), all[0].Fingerprint())
	assert.Equal(t, svnMaterial.Fingerprint(), all[1].Fingerprint(), "attributes round-trip")
	assert.Equal(t, "f2a0", all[1].Attributes["uuid"])

	sched, err := s.SchedulableMaterials(ctx)
	require.NoError(t, err)
	require.Len(t, sched, 2, "unconsumed materials are not polled")
	assert.Equal(t, depMaterial.Fingerprint(), sched[1].Fingerprint())

	deps, err := s.DependentsOf(ctx, gitMaterial.Fingerprint())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "package", deps[0].UpstreamStage)

	recs, err := s.Materials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"build"}, recs[0].Pipelines)
	assert.Empty(t, recs[1].Pipelines)

	got, err := s.Material(ctx, svnMaterial.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, svnMaterial.URL, got.URL)

	require.NoError(t, s.RemoveMaterial(ctx, svnMaterial.Fingerprint()))
	_, err = s.Material(ctx, svnMaterial.Fingerprint())
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(s.RemoveMaterial(ctx, svnMaterial.Fingerprint())))

	assert.True(t, errors.IsInvalidRequestError(s.SaveMaterial(ctx, MaterialRecord{Material: material.Material{Kind: material.KindGit}})))
}

func TestSaveMaterialUpdatesMutableFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveMaterial(ctx, MaterialRecord{Material: gitMaterial, Pipelines: []string{"a", "b"}}))

	renamed := gitMaterial
	renamed.Name = "drover"
	renamed.AutoUpdate = false
	require.NoError(t, s.SaveMaterial(ctx, MaterialRecord{Material: renamed, Pipelines: []string{"a"}, ConfigRepo: true}))

	recs, err := s.Materials(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "drover", recs[0].Material.Name)
	assert.False(t, recs[0].Material.AutoUpdate)
	assert.Equal(t, []string{"a"}, recs[0].Pipelines)
	assert.True(t, s.IsConfigRepo(ctx, gitMaterial.Fingerprint()))
	assert.False(t, s.IsConfigRepo(ctx, "unknown"))

	sched, err := s.SchedulableMaterials(ctx)
	require.NoError(t, err)
	assert.Empty(t, sched)
}

func TestModifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveMaterial(ctx, MaterialRecord{Material: gitMaterial}))
	fp := gitMaterial.Fingerprint()

	_, ok, err := s.LatestModification(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC)
	first, err := s.SaveModification(ctx, material.Modification{Fingerprint: fp, Revision: "aaa", CommittedAt: at, Author: "dev"})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	again, err := s.SaveModification(ctx, material.Modification{Fingerprint: fp, Revision: "aaa", CommittedAt: at})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "known revisions are not duplicated")

	_, err = s.SaveModification(ctx, material.Modification{Fingerprint: fp, Revision: "bbb", CommittedAt: at.Add(time.Hour)})
	require.NoError(t, err)

	latest, ok, err := s.LatestModification(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bbb", latest.Revision)
	assert.True(t, at.Add(time.Hour).Equal(latest.CommittedAt))

	known, ok := s.KnownModification(ctx, fp)
	assert.True(t, ok)
	assert.Equal(t, "bbb", known.Revision)
	assert.Equal(t, latest.ID, known.ID)

	mods, err := s.Modifications(ctx, fp, 0)
	require.NoError(t, err)
	assert.Len(t, mods, 2)

	_, err = s.SaveModification(ctx, material.Modification{Fingerprint: fp})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStageRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	_, ok, err := s.LatestPassedStage(ctx, "build", "package")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordStageRun(ctx, updater.StageRun{Pipeline: "build", PipelineCounter: 1, Stage: "package", Result: StagePassed, CompletedAt: at}))
	require.NoError(t, s.RecordStageRun(ctx, updater.StageRun{Pipeline: "build", PipelineCounter: 2, Stage: "package", Result: "failed", CompletedAt: at.Add(time.Hour)}))

	run, ok, err := s.LatestPassedStage(ctx, "build", "package")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "build/1/package/1", run.Revision())
	assert.True(t, at.Equal(run.CompletedAt))

	// The store satisfies the dependency updater end to end
	mod, err := updater.DependencyUpdater{Stages: s}.Latest(ctx, depMaterial)
	require.NoError(t, err)
	assert.Equal(t, "build/1/package/1", mod.Revision)

	assert.True(t, errors.IsInvalidRequestError(s.RecordStageRun(ctx, updater.StageRun{Pipeline: "build"})))
}

func TestTimelinePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	fp := gitMaterial.Fingerprint()

	add := func(counter, d int) int64 {
		id, err := s.AddPipelineInstance(ctx, PipelineInstance{
			Pipeline:  "build",
			Counter:   counter,
			Revisions: map[string][]material.Revision{fp: {{Date: day(d), Revision: "r" + string(rune('0'+d))}}},
		})
		require.NoError(t, err)
		return id
	}
	id1 := add(1, 5)
	id2 := add(2, 3)

	tl := timeline.New(s, s, zaptest.NewLogger(t).Sugar())
	require.NoError(t, tl.Update(ctx))

	entries, err := s.EntriesAfter(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1.0, entries[0].NaturalOrder(), "first placed run")
	assert.Equal(t, 0.5, entries[1].NaturalOrder(), "older revision sorts first")
	assert.Equal(t, day(3), entries[1].Revisions[fp][0].Date)

	// A restarted timeline replays stored orders without rewriting them
	rebooted := timeline.New(s, s, zaptest.NewLogger(t).Sugar())
	require.NoError(t, rebooted.Update(ctx))
	before, ok := rebooted.RunBefore(id1, "build")
	require.True(t, ok)
	assert.Equal(t, id2, before.ID)

	require.NoError(t, s.SaveNaturalOrder(ctx, id1, 1.0))
	assert.True(t, errors.IsIntegrityViolation(s.SaveNaturalOrder(ctx, id1, 3.0)))
	assert.True(t, errors.IsNotFoundError(s.SaveNaturalOrder(ctx, 999, 1.0)))

	_, err = s.AddPipelineInstance(ctx, PipelineInstance{Pipeline: "build", Counter: 1})
	assert.True(t, errors.Is(err, errors.ErrConflict), "counter already used")
}

func TestTimelineRevisionsLoadEarliestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	fp := gitMaterial.Fingerprint()

	_, err := s.AddPipelineInstance(ctx, PipelineInstance{
		Pipeline: "build",
		Counter:  1,
		Revisions: map[string][]material.Revision{fp: {
			{Date: day(3), Revision: "r3"},
			{Date: day(1), Revision: "r1"},
		}},
	})
	require.NoError(t, err)
	_, err = s.AddPipelineInstance(ctx, PipelineInstance{
		Pipeline:  "build",
		Counter:   2,
		Revisions: map[string][]material.Revision{fp: {{Date: day(2), Revision: "r2"}}},
	})
	require.NoError(t, err)

	entries, err := s.EntriesAfter(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	p1, p2 := entries[0], entries[1]
	require.Len(t, p1.Revisions[fp], 2)
	assert.Equal(t, day(1), p1.Revisions[fp][0].Date, "loaded earliest first")
	assert.Equal(t, -1, p1.Compare(p2), "r1 was checked in before r2")
}

func TestAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := agent.Config{UUID: "uuid-1", Hostname: "ci-02", Resources: []string{"linux", "docker"}}
	require.NoError(t, s.SaveAgent(ctx, cfg))
	require.NoError(t, s.SaveAgent(ctx, agent.Config{UUID: "uuid-2", Hostname: "ci-01", Disabled: true}))

	cfg.IPAddress = "10.0.0.5"
	require.NoError(t, s.SaveAgent(ctx, cfg))

	agents, err := s.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "uuid-2", agents[0].UUID)
	assert.True(t, agents[0].Disabled)
	assert.Equal(t, "10.0.0.5", agents[1].IPAddress)
	assert.Equal(t, []string{"docker", "linux"}, agents[1].Resources)

	require.NoError(t, s.DeleteAgent(ctx, "uuid-2"))
	assert.True(t, errors.IsNotFoundError(s.DeleteAgent(ctx, "uuid-2")))
	assert.True(t, errors.IsInvalidRequestError(s.SaveAgent(ctx, agent.Config{})))
}

func TestMaintenanceMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.MaintenanceMode(ctx))
	require.NoError(t, s.SetMaintenanceMode(ctx, true))
	assert.True(t, s.MaintenanceMode(ctx))
	require.NoError(t, s.SetMaintenanceMode(ctx, false))
	assert.False(t, s.MaintenanceMode(ctx))

	require.NoError(t, s.SetMaintenanceMode(ctx, true))
	require.NoError(t, s.DB().Close())
	assert.False(t, s.MaintenanceMode(ctx), "a closed pool reads as not in maintenance")
}

func TestImport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := `
materials:
  - type: git
    url: https://github.com/teranos/drover.git
    auto_update: true
    pipelines: [build, lint]
  - type: dependency
    pipeline: build
    stage: package
    auto_update: true
    pipelines: [deploy]
  - type: git
    url: https://github.com/teranos/config.git
    auto_update: true
    config_repo: true
agents:
  - uuid: uuid-1
    hostname: ci-01
    resources: [linux]
`
	f, err := ParseImport(strings.NewReader(doc))
	require.NoError(t, err)
	res, err := s.Import(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Materials: 3, Agents: 1}, res)

	sched, err := s.SchedulableMaterials(ctx)
	require.NoError(t, err)
	assert.Len(t, sched, 3, "config repositories are polled without pipelines")

	recs, err := s.Materials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "lint"}, recs[0].Pipelines)

	t.Run("rejects unknown fields", func(t *testing.T) {
		_, err := ParseImport(strings.NewReader("materials:\n  - type: git\n    uri: x\n"))
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("rejects invalid materials", func(t *testing.T) {
		_, err := ParseImport(strings.NewReader("materials:\n  - type: git\n"))
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("empty document", func(t *testing.T) {
		f, err := ParseImport(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, f.Materials)
	})
}

func TestDriverFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	mock.ExpectQuery("SELECT m.kind").WillReturnError(errors.New("disk I/O error"))
	_, err = s.SchedulableMaterials(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query materials")

	mock.ExpectQuery("SELECT value FROM server_settings").WillReturnError(errors.New("database is locked"))
	assert.False(t, s.MaintenanceMode(ctx), "read failures do not suspend scheduling")

	mock.ExpectQuery("SELECT config_repo FROM materials").WillReturnError(errors.New("database is locked"))
	assert.False(t, s.IsConfigRepo(ctx, "fp"))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pipeline_instances").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO pipeline_material_revisions").WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()
	_, err = s.AddPipelineInstance(ctx, PipelineInstance{
		Pipeline:  "build",
		Counter:   1,
		Revisions: map[string][]material.Revision{"fp": {{Revision: "r1", Date: time.Now()}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert revision r1")

	mock.ExpectQuery("SELECT id, fingerprint, revision").WillReturnRows(
		sqlmock.NewRows([]string{"id", "fingerprint", "revision", "committed_at", "author", "comment"}).
			AddRow(1, "fp", "r1", "not a time", "", ""))
	_, _, err = s.LatestModification(ctx, "fp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timestamp")

	assert.NoError(t, mock.ExpectationsWereMet())
}
