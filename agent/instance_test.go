package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/drover/errors"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// recordingListener counts status change notifications
type recordingListener struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *recordingListener) OnAgentStatusChange(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snaps)
}

func testConfig() Config {
	return Config{UUID: "uuid-1", Hostname: "ccedev01", IPAddress: "10.0.0.1", Resources: []string{"linux", "mercurial"}}
}

func newTestAgent(t *testing.T) (*Instance, *mockClock, *recordingListener) {
	t.Helper()
	clock := newMockClock()
	listener := &recordingListener{}
	a := CreateFromConfig(testConfig(), Options{Clock: clock.Now, Listener: listener, HeartbeatTimeout: 5 * time.Minute})
	return a, clock, listener
}

func heartbeat(status RuntimeStatus) RuntimeInfo {
	info := RuntimeInfo{UUID: "uuid-1", Hostname: "ccedev01", IPAddress: "10.0.0.1", Status: status}
	if status == RuntimeBuilding || status == RuntimeCancelled {
		info.Building = BuildingInfo{Description: "running pipeline/stage/build", Locator: "pipeline/1/stage/1/build"}
	}
	return info
}

func TestStatusDerivation(t *testing.T) {
	tests := []struct {
		state State
		want  Status
	}{
		{State{ConfigPending, RuntimeBuilding}, StatusPending},
		{State{ConfigDisabled, RuntimeIdle}, StatusDisabled},
		{State{ConfigEnabled, RuntimeIdle}, StatusIdle},
		{State{ConfigEnabled, RuntimeBuilding}, StatusBuilding},
		{State{ConfigEnabled, RuntimeCancelled}, StatusCancelled},
		{State{ConfigEnabled, RuntimeLostContact}, StatusLostContact},
		{State{ConfigEnabled, RuntimeMissing}, StatusMissing},
		{State{ConfigEnabled, RuntimeUnknown}, StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Status())
		})
	}
}

func TestCreation(t *testing.T) {
	a, _, _ := newTestAgent(t)
	assert.Equal(t, StatusMissing, a.Status())
	assert.True(t, a.IsRegistered())

	cfg := testConfig()
	cfg.Disabled = true
	assert.Equal(t, StatusDisabled, CreateFromConfig(cfg, Options{}).Status())

	live := CreateFromLiveAgent(heartbeat(RuntimeIdle), Options{})
	assert.Equal(t, StatusPending, live.Status())
	assert.Equal(t, RuntimeIdle, live.State().Runtime)
	assert.False(t, live.IsRegistered())

	unknown := CreateFromLiveAgent(RuntimeInfo{UUID: "u"}, Options{})
	assert.Equal(t, RuntimeUnknown, unknown.State().Runtime)
}

func TestCancelThenKill(t *testing.T) {
	a, clock, _ := newTestAgent(t)
	a.Update(heartbeat(RuntimeBuilding))

	err := a.KillRunningTasks()
	require.Error(t, err, "kill without cancel")
	assert.True(t, errors.IsIllegalTransition(err))
	assert.Equal(t, InstructionNone, a.Instruction())

	a.Cancel()
	assert.Equal(t, StatusCancelled, a.Status())
	assert.Equal(t, clock.Now(), a.Snapshot().CancelledAt)
	assert.Equal(t, InstructionCancel, a.Instruction())

	require.NoError(t, a.KillRunningTasks())
	assert.Equal(t, InstructionKillRunningTasks, a.Instruction())

	err = a.KillRunningTasks()
	require.Error(t, err, "second kill before completion")
	assert.True(t, errors.IsIllegalTransition(err))
}

func TestCancelledIsSticky(t *testing.T) {
	a, _, _ := newTestAgent(t)
	a.Update(heartbeat(RuntimeBuilding))
	a.Cancel()

	for _, status := range []RuntimeStatus{RuntimeBuilding, RuntimeUnknown, RuntimeMissing, RuntimeLostContact} {
		a.Update(heartbeat(status))
		assert.Equal(t, StatusCancelled, a.Status(), "report %s must not downgrade", status)
	}

	require.NoError(t, a.KillRunningTasks())
	a.Update(heartbeat(RuntimeIdle))

	snap := a.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.True(t, snap.CancelledAt.IsZero())
	assert.False(t, snap.KillRequired)
	assert.Equal(t, NotBuilding, snap.Building)
	assert.Equal(t, InstructionNone, a.Instruction())

	// a fresh cancellation allows a fresh kill
	a.Cancel()
	assert.NoError(t, a.KillRunningTasks())
}

func TestBuildingInfoFollowsReports(t *testing.T) {
	a, _, _ := newTestAgent(t)
	a.Update(heartbeat(RuntimeBuilding))
	assert.Equal(t, "pipeline/1/stage/1/build", a.Snapshot().Building.Locator)

	a.Cancel()
	a.Update(heartbeat(RuntimeCancelled))
	assert.Equal(t, "pipeline/1/stage/1/build", a.Snapshot().Building.Locator)
	assert.Equal(t, StatusCancelled, a.Status())

	a.Update(heartbeat(RuntimeIdle))
	assert.Equal(t, NotBuilding, a.Snapshot().Building)
}

func TestDeny(t *testing.T) {
	t.Run("idle agent", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		a.Update(heartbeat(RuntimeIdle))
		require.NoError(t, a.Deny())
		assert.Equal(t, StatusDisabled, a.Status())
	})

	t.Run("building agent is rejected", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		a.Update(heartbeat(RuntimeBuilding))
		assert.False(t, a.CanDeny())

		err := a.Deny()
		require.Error(t, err)
		assert.True(t, errors.IsIllegalTransition(err))
		assert.Equal(t, StatusBuilding, a.Status())
	})

	t.Run("cancelled agent", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		a.Update(heartbeat(RuntimeBuilding))
		a.Cancel()
		building := a.Snapshot().Building

		require.NoError(t, a.Deny())
		assert.Equal(t, StatusDisabled, a.Status())
		assert.Equal(t, building, a.Snapshot().Building)
	})

	t.Run("pending agent", func(t *testing.T) {
		a := CreateFromLiveAgent(heartbeat(RuntimeIdle), Options{})
		require.NoError(t, a.Deny())
		assert.Equal(t, StatusDisabled, a.Status())
	})

	t.Run("enable after deny", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		require.NoError(t, a.Deny())
		a.Enable()
		assert.Equal(t, StatusMissing, a.Status())
	})
}

func TestRefresh(t *testing.T) {
	t.Run("never heard from stays missing", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		a.Refresh()
		assert.Equal(t, StatusMissing, a.Status())
		assert.False(t, a.Snapshot().LastHeard.IsZero(), "refresh starts the silence clock")
	})

	t.Run("missing then lost contact", func(t *testing.T) {
		a, clock, _ := newTestAgent(t)
		a.Refresh()
		clock.Advance(4 * time.Minute)
		a.Refresh()
		assert.Equal(t, StatusMissing, a.Status())

		clock.Advance(time.Minute)
		a.Refresh()
		assert.Equal(t, StatusLostContact, a.Status())
	})

	t.Run("live agent stays live", func(t *testing.T) {
		a, clock, _ := newTestAgent(t)
		a.Update(heartbeat(RuntimeIdle))
		clock.Advance(time.Minute)
		a.Refresh()
		assert.Equal(t, StatusIdle, a.Status())
	})

	t.Run("silent agent loses contact", func(t *testing.T) {
		a, clock, _ := newTestAgent(t)
		a.Update(heartbeat(RuntimeBuilding))
		clock.Advance(5 * time.Minute)
		a.Refresh()
		assert.Equal(t, StatusLostContact, a.Status())
	})

	t.Run("pending and disabled are exempt", func(t *testing.T) {
		clock := newMockClock()
		pending := CreateFromLiveAgent(heartbeat(RuntimeIdle), Options{Clock: clock.Now})
		cfg := testConfig()
		cfg.Disabled = true
		disabled := CreateFromConfig(cfg, Options{Clock: clock.Now})

		clock.Advance(time.Hour)
		pending.Refresh()
		disabled.Refresh()
		pending.LostContact()
		disabled.LostContact()

		assert.Equal(t, RuntimeIdle, pending.State().Runtime)
		assert.Equal(t, StatusPending, pending.Status())
		assert.Equal(t, RuntimeMissing, disabled.State().Runtime)
		assert.Equal(t, StatusDisabled, disabled.Status())
	})

	t.Run("lost contact", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		a.Update(heartbeat(RuntimeBuilding))
		a.LostContact()
		assert.Equal(t, StatusLostContact, a.Status())
	})
}

func TestNotifications(t *testing.T) {
	t.Run("one per changed dimension", func(t *testing.T) {
		a, _, listener := newTestAgent(t)

		a.Update(heartbeat(RuntimeBuilding))
		assert.Equal(t, 1, listener.count())

		a.Update(heartbeat(RuntimeBuilding))
		assert.Equal(t, 1, listener.count(), "no change, no notification")

		a.Cancel()
		assert.Equal(t, 2, listener.count())

		a.Update(heartbeat(RuntimeIdle))
		require.NoError(t, a.Deny())
		assert.Equal(t, 4, listener.count())
	})

	t.Run("idle then refresh to missing", func(t *testing.T) {
		a, _, listener := newTestAgent(t)
		a.Idle()
		a.Refresh()
		assert.Equal(t, StatusMissing, a.Status())
		assert.Equal(t, 2, listener.count())
	})

	t.Run("config sync", func(t *testing.T) {
		clock := newMockClock()
		listener := &recordingListener{}
		cfg := testConfig()
		cfg.Disabled = true
		a := CreateFromConfig(cfg, Options{Clock: clock.Now, Listener: listener})

		a.SyncConfig(testConfig())
		assert.Equal(t, 1, listener.count())
		assert.Equal(t, StatusMissing, a.Status())
	})

	t.Run("pending agents are silent", func(t *testing.T) {
		listener := &recordingListener{}
		a := CreateFromLiveAgent(heartbeat(RuntimeIdle), Options{Listener: listener})
		a.Update(heartbeat(RuntimeBuilding))
		a.Cancel()
		assert.Zero(t, listener.count())
	})
}

func TestSyncConfig(t *testing.T) {
	t.Run("approving a pending agent makes it idle", func(t *testing.T) {
		a := CreateFromLiveAgent(heartbeat(RuntimeUnknown), Options{})
		a.SyncConfig(testConfig())
		assert.Equal(t, StatusIdle, a.Status())
	})

	t.Run("approved agent keeps runtime", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		a.SyncConfig(testConfig())
		assert.Equal(t, StatusMissing, a.Status())

		a.Update(heartbeat(RuntimeBuilding))
		a.SyncConfig(testConfig())
		assert.Equal(t, StatusBuilding, a.Status())
	})

	t.Run("disabled in configuration", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		a.Update(heartbeat(RuntimeBuilding))
		cfg := testConfig()
		cfg.Disabled = true
		a.SyncConfig(cfg)
		assert.Equal(t, StatusDisabled, a.Status())
	})

	t.Run("elastic metadata", func(t *testing.T) {
		a, _, _ := newTestAgent(t)
		assert.False(t, a.IsElastic())

		cfg := testConfig()
		cfg.Elastic = ElasticMetadata{AgentID: "i-123456", PluginID: "com.example.aws"}
		a.SyncConfig(cfg)

		assert.True(t, a.IsElastic())
		assert.Equal(t, "i-123456", a.Snapshot().Elastic.AgentID)
	})
}

func TestHeartbeatDetails(t *testing.T) {
	a, clock, _ := newTestAgent(t)
	assert.True(t, a.Snapshot().LastHeard.IsZero())

	space := int64(1000)
	info := heartbeat(RuntimeIdle)
	info.Location = "/var/lib/drover"
	info.UsableSpace = &space
	a.Update(info)

	snap := a.Snapshot()
	assert.Equal(t, clock.Now(), snap.LastHeard)
	assert.Equal(t, "/var/lib/drover", snap.Location)
	assert.Equal(t, "1000 bytes", snap.FreeSpace.String())

	clock.Advance(time.Second)
	a.Update(heartbeat(RuntimeIdle))
	assert.True(t, a.Snapshot().LastHeard.After(snap.LastHeard))
}

func TestIPChange(t *testing.T) {
	a, _, _ := newTestAgent(t)
	assert.True(t, a.IsIPChangeRequired("10.18.7.52"))
	assert.False(t, a.IsIPChangeRequired("10.0.0.1"))

	info := heartbeat(RuntimeIdle)
	info.IPAddress = "10.18.7.52"
	a.Update(info)
	assert.Equal(t, "10.18.7.52", a.Snapshot().IPAddress)

	pending := CreateFromLiveAgent(heartbeat(RuntimeIdle), Options{})
	assert.False(t, pending.IsIPChangeRequired("10.18.7.52"))
}

func TestDiskSpace(t *testing.T) {
	a, _, _ := newTestAgent(t)
	assert.Equal(t, UnknownDiskSpace, a.FreeDiskSpace().String())

	space := int64(2 * 1024 * 1024 * 1024)
	info := heartbeat(RuntimeIdle)
	info.UsableSpace = &space
	a.Update(info)
	assert.Equal(t, "2.0 GB", a.FreeDiskSpace().String())

	assert.False(t, a.IsLowDiskSpace(100*1024*1024))
	assert.True(t, a.IsLowDiskSpace(3*1024*1024*1024))

	a.LostContact()
	assert.Equal(t, UnknownDiskSpace, a.FreeDiskSpace().String(), "unknown once contact is lost")
	assert.False(t, a.IsLowDiskSpace(3*1024*1024*1024))
}

func TestStuckInCancel(t *testing.T) {
	a, clock, _ := newTestAgent(t)
	a.Update(heartbeat(RuntimeBuilding))
	assert.False(t, a.IsStuckInCancel(10*time.Minute))

	a.Cancel()
	clock.Advance(10 * time.Minute)
	assert.False(t, a.IsStuckInCancel(10*time.Minute))

	clock.Advance(time.Second)
	assert.True(t, a.IsStuckInCancel(10*time.Minute))
}

func TestCompareByHostname(t *testing.T) {
	x := CreateFromConfig(Config{UUID: "UUID", Hostname: "A"}, Options{})
	y := CreateFromConfig(Config{UUID: "UUID", Hostname: "B"}, Options{})

	assert.Equal(t, 0, x.Compare(x))
	assert.Negative(t, x.Compare(y))
	assert.Positive(t, y.Compare(x))
}

func TestFirstMatching(t *testing.T) {
	a := CreateFromConfig(Config{UUID: "UUID", Hostname: "A", Resources: ParseResources("linux, mercurial")}, Options{})

	t.Run("no plans", func(t *testing.T) {
		_, ok := a.FirstMatching(nil)
		assert.False(t, ok)
	})

	t.Run("first plan whose resources are covered", func(t *testing.T) {
		plans := []JobPlan{
			{Pipeline: "pipeline1", Job: "job1", Resources: ParseResources("linux, svn")},
			{Pipeline: "pipeline2", Job: "job2", Resources: ParseResources("Linux, Mercurial")},
			{Pipeline: "pipeline3", Job: "job3"},
		}
		got, ok := a.FirstMatching(plans)
		require.True(t, ok)
		assert.Equal(t, "pipeline2", got.Pipeline)
	})

	t.Run("pinned to this agent", func(t *testing.T) {
		plan := JobPlan{Pipeline: "p", Resources: []string{"windows"}, AgentUUID: "UUID"}
		got, ok := a.FirstMatching([]JobPlan{plan})
		require.True(t, ok)
		assert.Equal(t, plan.Pipeline, got.Pipeline)
	})

	t.Run("pinned elsewhere", func(t *testing.T) {
		_, ok := a.FirstMatching([]JobPlan{{Pipeline: "p", Resources: []string{"linux"}, AgentUUID: "UUID-other"}})
		assert.False(t, ok)
	})

	t.Run("elastic plans are never matched here", func(t *testing.T) {
		_, ok := a.FirstMatching([]JobPlan{{Pipeline: "p", ElasticPluginID: "elastic-plugin-id-1"}})
		assert.False(t, ok)
	})

	t.Run("elastic agents take no unassigned plans", func(t *testing.T) {
		elastic := CreateFromConfig(Config{
			UUID:      "uuid",
			Resources: []string{"r1"},
			Elastic:   ElasticMetadata{AgentID: "elastic-agent-id-1", PluginID: "elastic-plugin-id-1"},
		}, Options{})
		_, ok := elastic.FirstMatching([]JobPlan{
			{Pipeline: "p", ElasticPluginID: "elastic-plugin-id-2"},
			{Pipeline: "q", Resources: []string{"r1"}},
			{Pipeline: "r"},
		})
		assert.False(t, ok)
	})
}
