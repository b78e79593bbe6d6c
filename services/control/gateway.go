// Package control forwards customer power actions to the hypervisor after
// checking that the requester owns the instance.
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vpsd/pkg/fault"
	"vpsd/pkg/metrics"
	"vpsd/pkg/model"
)

// Action is a power action.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionReboot Action = "reboot"
)

// ParseAction accepts start, stop and reboot in any case.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionStart, ActionStop, ActionReboot:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Store is the slice of the record store the gateway needs.
type Store interface {
	FindServiceByVMID(ctx context.Context, vmid int) (model.ServiceRecord, error)
	SetServiceStatus(ctx context.Context, serviceID uuid.UUID, status model.ServiceStatus) error
	Audit(ctx context.Context, actor, action, obj string, details map[string]any) error
}

// Hypervisor runs power actions on an instance.
type Hypervisor interface {
	Start(ctx context.Context, node string, id int) error
	Stop(ctx context.Context, node string, id int) error
	Reboot(ctx context.Context, node string, id int) error
}

// Gateway runs owner-initiated power actions against the hypervisor.
type Gateway struct {
	store   Store
	hv      Hypervisor
	timeout time.Duration
	logger  zerolog.Logger
}

// New wires a Gateway. A non-positive timeout defaults to one minute.
func New(store Store, hv Hypervisor, timeout time.Duration, logger zerolog.Logger) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if hv == nil {
		return nil, errors.New("hypervisor is required")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Gateway{store: store, hv: hv, timeout: timeout, logger: logger.With().Str("component", "control").Logger()}, nil
}

// ControlInstance runs action on instance vmid for requesterID. It returns
// fault.ErrForbidden when the instance is unknown or owned by someone else,
// and fault.ErrControlFailed when the hypervisor rejects the action. Local
// status only changes after the hypervisor succeeds.
func (g *Gateway) ControlInstance(ctx context.Context, vmid int, requesterID uuid.UUID, action Action) (model.ServiceStatus, error) {
	logger := g.logger.With().Int("vmid", vmid).Str("action", string(action)).Stringer("requester", requesterID).Logger()

	svc, err := g.authorize(ctx, vmid, requesterID)
	if err != nil {
		result := "error"
		if errors.Is(err, fault.ErrForbidden) {
			result = "forbidden"
		}
		metrics.ControlActionsTotal.WithLabelValues(string(action), result).Inc()
		logger.Warn().Err(err).Msg("control request rejected")
		return "", err
	}
	if svc.Node == nil || *svc.Node == "" {
		metrics.ControlActionsTotal.WithLabelValues(string(action), "failed").Inc()
		return "", fmt.Errorf("%w: instance %d has no node", fault.ErrInvalidState, vmid)
	}
	node := *svc.Node

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	next := svc.Status
	switch action {
	case ActionStart:
		err = g.hv.Start(callCtx, node, vmid)
		next = model.ServiceRunning
	case ActionStop:
		err = g.hv.Stop(callCtx, node, vmid)
		next = model.ServiceStopped
	case ActionReboot:
		err = g.hv.Reboot(callCtx, node, vmid)
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		metrics.ControlActionsTotal.WithLabelValues(string(action), "failed").Inc()
		logger.Error().Err(err).Str("node", node).Msg("hypervisor rejected power action")
		return "", fmt.Errorf("%w: %s instance %d: %w", fault.ErrControlFailed, action, vmid, err)
	}

	if next != svc.Status {
		if err := g.store.SetServiceStatus(ctx, svc.ID, next); err != nil {
			// The hypervisor already acted; report the action as done.
			logger.Error().Err(err).Msg("failed to record new service status")
		}
	}
	if err := g.store.Audit(ctx, requesterID.String(), "vps."+string(action), "service:"+svc.ID.String(), map[string]any{
		"vmid": vmid,
		"node": node,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to write audit entry")
	}

	metrics.ControlActionsTotal.WithLabelValues(string(action), "ok").Inc()
	logger.Info().Str("status", string(next)).Msg("power action applied")
	return next, nil
}

func (g *Gateway) authorize(ctx context.Context, vmid int, requesterID uuid.UUID) (model.ServiceRecord, error) {
	if requesterID == uuid.Nil {
		return model.ServiceRecord{}, fmt.Errorf("%w: anonymous requester", fault.ErrForbidden)
	}
	svc, err := g.store.FindServiceByVMID(ctx, vmid)
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return model.ServiceRecord{}, fmt.Errorf("%w: instance %d", fault.ErrForbidden, vmid)
	case err != nil:
		return model.ServiceRecord{}, err
	case svc.UserID != requesterID:
		return model.ServiceRecord{}, fmt.Errorf("%w: instance %d", fault.ErrForbidden, vmid)
	}
	return svc, nil
}

// ParseVMID parses a path instance id.
func ParseVMID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}
