package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

type fixture struct {
	store   *store.MemoryStore
	fake    *providers.FakeAdapter
	monitor *Monitor
	inst    *models.Instance
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	fake := providers.NewFakeAdapter("fake", 1, []providers.GPUOffering{
		{GPUType: "A100", HourlyPriceUSD: 2.49, AvailableCount: 4},
	})
	r := providers.NewRegistry()
	r.Register(fake, nil)

	inst := &models.Instance{
		ID:                 uuid.New(),
		Provider:           "fake",
		ProviderInstanceID: "fake-inst-1",
		GPUType:            "A100",
		GPUCount:           1,
		Status:             models.InstanceStatusPending,
		HourlyCostUSD:      2.49,
		CreatedAt:          time.Now().UTC(),
		JobID:              uuid.New(),
	}
	require.NoError(t, st.CreateInstance(context.Background(), inst))
	fake.SetInstanceStatus(inst.ProviderInstanceID, models.InstanceStatusPending)

	return &fixture{
		store:   st,
		fake:    fake,
		monitor: New(st, r, 50*time.Millisecond),
		inst:    inst,
	}
}

func TestPollPersistsTransitionAndEmits(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	updates := make(chan Update, 8)

	f.fake.SetInstanceStatus(f.inst.ProviderInstanceID, models.InstanceStatusRunning)
	f.fake.SetInstanceEndpoint(f.inst.ProviderInstanceID, "203.0.113.7")

	done, err := f.monitor.poll(ctx, f.inst.ID, updates)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := f.store.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, got.Status)
	assert.Equal(t, "203.0.113.7", got.PublicIP)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.LastHeartbeat)

	select {
	case update := <-updates:
		assert.True(t, update.Ready())
		assert.Equal(t, f.inst.ID, update.InstanceID)
	default:
		t.Fatal("expected an update")
	}
}

func TestPollHeartbeatOnlyWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	updates := make(chan Update, 8)

	done, err := f.monitor.poll(ctx, f.inst.ID, updates)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := f.store.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusPending, got.Status)
	require.NotNil(t, got.LastHeartbeat)
	assert.Empty(t, updates)
}

func TestStaleHeartbeatMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	updates := make(chan Update, 8)

	stale := time.Now().UTC().Add(-time.Minute) // well past 2× the 50ms poll
	f.inst.Status = models.InstanceStatusRunning
	started := stale.Add(-time.Hour)
	f.inst.StartedAt = &started
	f.inst.LastHeartbeat = &stale
	require.NoError(t, f.store.UpdateInstance(ctx, f.inst))

	f.fake.StatusErr = models.NewError(models.ErrProvider, "api down")

	done, err := f.monitor.poll(ctx, f.inst.ID, updates)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := f.store.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, got.Status)
	require.NotNil(t, got.StoppedAt)
	assert.Greater(t, got.TotalCostUSD, 0.0)

	select {
	case update := <-updates:
		assert.Equal(t, models.InstanceStatusFailed, update.Status)
	default:
		t.Fatal("expected a failed update")
	}
}

func TestProbeErrorWithFreshHeartbeatIsTolerated(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	updates := make(chan Update, 8)

	now := time.Now().UTC()
	f.inst.LastHeartbeat = &now
	require.NoError(t, f.store.UpdateInstance(ctx, f.inst))
	f.fake.StatusErr = models.NewError(models.ErrProvider, "blip")

	done, err := f.monitor.poll(ctx, f.inst.ID, updates)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := f.store.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusPending, got.Status)
}

func TestBackwardsTransitionDropped(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	updates := make(chan Update, 8)

	f.inst.Status = models.InstanceStatusRunning
	require.NoError(t, f.store.UpdateInstance(ctx, f.inst))
	f.fake.SetInstanceStatus(f.inst.ProviderInstanceID, models.InstanceStatusPending)

	done, err := f.monitor.poll(ctx, f.inst.ID, updates)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := f.store.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, got.Status)
	assert.Empty(t, updates)
}

func TestWatchStopsOnTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := setup(t)
	updates := make(chan Update, 8)

	f.fake.SetInstanceStatus(f.inst.ProviderInstanceID, models.InstanceStatusTerminated)

	err := f.monitor.Watch(ctx, f.inst.ID, updates)
	require.NoError(t, err)

	got, err := f.store.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusTerminated, got.Status)
	require.NotNil(t, got.StoppedAt)
}

func TestUpdateReady(t *testing.T) {
	assert.True(t, Update{Status: models.InstanceStatusRunning, PublicIP: "1.2.3.4"}.Ready())
	assert.False(t, Update{Status: models.InstanceStatusRunning}.Ready())
	assert.False(t, Update{Status: models.InstanceStatusPending, PublicIP: "1.2.3.4"}.Ready())
}
