package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/health"
)

func newTestRegistry(t *testing.T, mutate func(*RegistryOptions)) (*Registry, *mockClock, *health.Service) {
	t.Helper()
	clock := newMockClock()
	svc := health.NewServiceWithClock(nil, clock.Now)
	opts := RegistryOptions{
		Instance: Options{Clock: clock.Now, HeartbeatTimeout: 5 * time.Minute},
		Health:   svc,
		Logger:   zaptest.NewLogger(t).Sugar(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRegistry(opts)
	require.NoError(t, err)
	return r, clock, svc
}

func TestHeartbeatRegistersUnknownAgentAsPending(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)

	instr, err := r.Heartbeat(heartbeat(RuntimeIdle))
	require.NoError(t, err)
	assert.Equal(t, InstructionNone, instr)

	a, err := r.Get("uuid-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status())

	require.NoError(t, r.Enable("uuid-1"))
	_, err = r.Heartbeat(heartbeat(RuntimeIdle))
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, a.Status())
}

func TestHeartbeatRejectsMissingUUID(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	_, err := r.Heartbeat(RuntimeInfo{Hostname: "h"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestHeartbeatCarriesInstructions(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	r.Sync([]Config{testConfig()})

	instr, err := r.Heartbeat(heartbeat(RuntimeBuilding))
	require.NoError(t, err)
	assert.Equal(t, InstructionNone, instr)

	require.NoError(t, r.Cancel("uuid-1"))
	instr, _ = r.Heartbeat(heartbeat(RuntimeBuilding))
	assert.Equal(t, InstructionCancel, instr)

	require.NoError(t, r.KillRunningTasks("uuid-1"))
	instr, _ = r.Heartbeat(heartbeat(RuntimeBuilding))
	assert.Equal(t, InstructionKillRunningTasks, instr)

	instr, _ = r.Heartbeat(heartbeat(RuntimeIdle))
	assert.Equal(t, InstructionNone, instr)
}

func TestMinimumAgentVersion(t *testing.T) {
	r, _, _ := newTestRegistry(t, func(o *RegistryOptions) { o.MinAgentVersion = "1.4.0" })

	info := heartbeat(RuntimeIdle)
	info.Version = "1.3.9"
	_, err := r.Heartbeat(info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
	assert.Contains(t, errors.FlattenHints(err), "1.4.0")

	info.Version = "not-a-version"
	_, err = r.Heartbeat(info)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	info.Version = "1.4.0"
	_, err = r.Heartbeat(info)
	assert.NoError(t, err)

	_, err = NewRegistry(RegistryOptions{MinAgentVersion: "one"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSync(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	other := Config{UUID: "uuid-2", Hostname: "alpha"}
	r.Sync([]Config{testConfig(), other})

	_, err := r.Heartbeat(RuntimeInfo{UUID: "uuid-3", Hostname: "zeta", Status: RuntimeIdle})
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "uuid-2", all[0].UUID(), "ordered by hostname")

	r.Sync([]Config{testConfig()})
	_, err = r.Get("uuid-2")
	assert.True(t, errors.IsNotFoundError(err), "removed from configuration")
	_, err = r.Get("uuid-3")
	assert.NoError(t, err, "pending agents survive a sync")

	cfg := testConfig()
	cfg.Disabled = true
	r.Sync([]Config{cfg})
	a, err := r.Get("uuid-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, a.Status())
}

func TestRemove(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	r.Sync([]Config{testConfig()})

	err := r.Remove("uuid-1")
	assert.True(t, errors.IsIllegalTransition(err), "enabled agents stay")

	require.NoError(t, r.Deny("uuid-1"))
	require.NoError(t, r.Remove("uuid-1"))
	assert.True(t, errors.IsNotFoundError(r.Remove("uuid-1")))
}

func TestEnabledPendingAgentIsAssignable(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	plans := []JobPlan{{Pipeline: "p"}}

	_, err := r.Heartbeat(heartbeat(RuntimeUnknown))
	require.NoError(t, err)
	_, ok := r.AssignableJob("uuid-1", plans)
	assert.False(t, ok, "pending agents get no work")

	require.NoError(t, r.Enable("uuid-1"))
	a, err := r.Get("uuid-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, a.Status())
	plan, ok := r.AssignableJob("uuid-1", plans)
	require.True(t, ok, "no second heartbeat needed")
	assert.Equal(t, "p", plan.Pipeline)
}

func TestAssignableJob(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	r.Sync([]Config{testConfig()})
	plans := []JobPlan{{Pipeline: "p", Resources: []string{"linux"}}}

	_, ok := r.AssignableJob("uuid-1", plans)
	assert.False(t, ok, "missing agents get no work")

	_, err := r.Heartbeat(heartbeat(RuntimeIdle))
	require.NoError(t, err)
	plan, ok := r.AssignableJob("uuid-1", plans)
	require.True(t, ok)
	assert.Equal(t, "p", plan.Pipeline)

	_, ok = r.AssignableJob("nobody", plans)
	assert.False(t, ok)
}

func TestRefreshAll(t *testing.T) {
	r, clock, _ := newTestRegistry(t, nil)
	r.Sync([]Config{testConfig()})
	_, err := r.Heartbeat(heartbeat(RuntimeIdle))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	r.RefreshAll()

	a, _ := r.Get("uuid-1")
	assert.Equal(t, StatusLostContact, a.Status())
}

func TestStuckCancelWatchdog(t *testing.T) {
	r, clock, svc := newTestRegistry(t, nil)
	r.Sync([]Config{testConfig()})
	_, err := r.Heartbeat(heartbeat(RuntimeBuilding))
	require.NoError(t, err)
	require.NoError(t, r.Cancel("uuid-1"))

	clock.Advance(9 * time.Minute)
	assert.Empty(t, r.CheckStuckCancels())
	_, raised := svc.Get(health.ForAgent("uuid-1"))
	assert.False(t, raised)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"uuid-1"}, r.CheckStuckCancels())
	st, raised := svc.Get(health.ForAgent("uuid-1"))
	require.True(t, raised)
	assert.Equal(t, health.SeverityWarning, st.Severity)
	assert.Equal(t, "Agent ccedev01 is stuck in cancel", st.Message)

	_, err = r.Heartbeat(heartbeat(RuntimeIdle))
	require.NoError(t, err)
	assert.Empty(t, r.CheckStuckCancels())
	_, raised = svc.Get(health.ForAgent("uuid-1"))
	assert.False(t, raised, "cleared once the agent recovers")
}

func TestLowDiskSpaceWarning(t *testing.T) {
	r, _, svc := newTestRegistry(t, func(o *RegistryOptions) { o.LowDiskSpace = 100 })
	r.Sync([]Config{testConfig()})

	low := int64(50)
	info := heartbeat(RuntimeIdle)
	info.UsableSpace = &low
	_, err := r.Heartbeat(info)
	require.NoError(t, err)

	_, raised := svc.Get(diskScope("uuid-1"))
	assert.True(t, raised)

	plenty := int64(500)
	info.UsableSpace = &plenty
	_, err = r.Heartbeat(info)
	require.NoError(t, err)
	_, raised = svc.Get(diskScope("uuid-1"))
	assert.False(t, raised)
}
