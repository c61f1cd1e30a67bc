package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// DefaultPollInterval matches the provider snapshot cadence.
const DefaultPollInterval = 30 * time.Second

// Update is emitted on every observed instance change.
type Update struct {
	InstanceID uuid.UUID
	Status     models.InstanceStatus
	PublicIP   string
}

// Ready reports the readiness contract: a running instance with at least
// one reachable public endpoint.
func (u Update) Ready() bool {
	return u.Status == models.InstanceStatusRunning && u.PublicIP != ""
}

// Monitor polls one instance per Watch call until the instance reaches a
// terminal status. Every observed change is persisted and emitted.
type Monitor struct {
	store        store.Store
	registry     *providers.Registry
	pollInterval time.Duration
	now          func() time.Time
}

func New(st store.Store, registry *providers.Registry, pollInterval time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Monitor{
		store:        st,
		registry:     registry,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// SetNow injects a clock for tests.
func (m *Monitor) SetNow(now func() time.Time) { m.now = now }

// Watch polls until the instance is terminal or ctx is cancelled. Updates
// are sent on the channel non-blockingly when it is full, so a slow
// consumer sees the latest state on its next receive from the store.
func (m *Monitor) Watch(ctx context.Context, instanceID uuid.UUID, updates chan<- Update) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	// immediate first poll so short-lived instances are not missed
	if done, err := m.poll(ctx, instanceID, updates); done || err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := m.poll(ctx, instanceID, updates)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// poll performs one status probe. Returns done=true once the instance is
// terminal.
func (m *Monitor) poll(ctx context.Context, instanceID uuid.UUID, updates chan<- Update) (bool, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status.Terminal() {
		return true, nil
	}

	now := m.now().UTC()
	status, err := m.registry.GetInstanceStatus(ctx, inst)
	if err != nil {
		// a stale heartbeat after repeated failed probes downgrades the
		// instance to failed
		if inst.LastHeartbeat != nil && now.Sub(*inst.LastHeartbeat) > 2*m.pollInterval {
			logging.Warn("instance heartbeat stale, marking failed", map[string]interface{}{
				"instance_id": instanceID.String(),
				"provider":    inst.Provider,
				"last_seen":   inst.LastHeartbeat.Format(time.RFC3339),
			})
			return true, m.transition(ctx, inst, models.InstanceStatusFailed, "", updates, now)
		}
		logging.Warn("instance poll failed", map[string]interface{}{
			"instance_id": instanceID.String(),
			"provider":    inst.Provider,
			"error":       err.Error(),
		})
		return false, nil
	}

	publicIP := inst.PublicIP
	if status == models.InstanceStatusRunning && publicIP == "" {
		if ip, err := m.registry.GetInstanceEndpoint(ctx, inst); err == nil && ip != "" {
			publicIP = ip
		}
	}

	changed := status != inst.Status || publicIP != inst.PublicIP
	if !changed {
		// heartbeat only
		inst.LastHeartbeat = &now
		if err := m.store.UpdateInstance(ctx, inst); err != nil {
			return false, err
		}
		return false, nil
	}

	// providers occasionally report regressions; the lifecycle is
	// monotonic so those are dropped
	if !models.ValidInstanceTransition(inst.Status, status) {
		logging.Warn("ignoring backwards instance transition", map[string]interface{}{
			"instance_id": instanceID.String(),
			"from":        string(inst.Status),
			"to":          string(status),
		})
		inst.LastHeartbeat = &now
		_ = m.store.UpdateInstance(ctx, inst)
		return false, nil
	}

	if err := m.transition(ctx, inst, status, publicIP, updates, now); err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

// transition persists the change, keeps the cost fields current and emits
// the update.
func (m *Monitor) transition(ctx context.Context, inst *models.Instance, status models.InstanceStatus, publicIP string, updates chan<- Update, now time.Time) error {
	inst.Status = status
	if publicIP != "" {
		inst.PublicIP = publicIP
	}
	inst.LastHeartbeat = &now
	if status == models.InstanceStatusRunning && inst.StartedAt == nil {
		inst.StartedAt = &now
	}
	if status.Terminal() && inst.StoppedAt == nil {
		inst.StoppedAt = &now
		inst.TotalCostUSD = inst.RunningCost(now)
	}

	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	logging.Info("instance status change", map[string]interface{}{
		"instance_id": inst.ID.String(),
		"provider":    inst.Provider,
		"status":      string(status),
	})

	update := Update{InstanceID: inst.ID, Status: status, PublicIP: inst.PublicIP}
	select {
	case updates <- update:
	default:
	}
	return nil
}
