// Package provisioning builds a VPS for a paid service. A run reserves an
// address, binds a virtual MAC to it, clones and configures an instance and
// commits the result, undoing every completed step if any later one fails.
package provisioning

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vpsd/pkg/fault"
	"vpsd/pkg/metrics"
	"vpsd/pkg/model"
	"vpsd/services/compute"
)

// Forward steps in execution order.
const (
	StepLoadInputs       = "load_inputs"
	StepReserveAddress   = "reserve_address"
	StepCreateVirtualMAC = "create_virtual_mac"
	StepNextInstanceID   = "next_instance_id"
	StepCloneTemplate    = "clone_template"
	StepConfigure        = "configure_instance"
	StepStart            = "start_instance"
	StepCommit           = "commit"
)

// Store is the slice of the record store a run needs.
type Store interface {
	LoadProvisioningInput(ctx context.Context, serviceID uuid.UUID) (model.ProvisioningInput, error)
	ClaimProvisioning(ctx context.Context, serviceID, runID uuid.UUID) error
	MarkRunning(ctx context.Context, serviceID uuid.UUID, vmid int, node string, addressID uuid.UUID) error
	MarkStopped(ctx context.Context, serviceID uuid.UUID) error
}

// AddressPool hands out and takes back routable addresses.
type AddressPool interface {
	Reserve(ctx context.Context, location string) (model.AddressRecord, error)
	Commit(ctx context.Context, addressID uuid.UUID, vmid int, mac string) error
	Release(ctx context.Context, addressID uuid.UUID) error
}

// NetworkProvisioner manages virtual MACs on the network allocator.
type NetworkProvisioner interface {
	CreateVirtualIdentity(ctx context.Context, block, address, label string) (string, error)
	DestroyVirtualIdentity(ctx context.Context, block, mac string) error
}

// ComputeProvisioner manages instances on the hypervisor.
type ComputeProvisioner interface {
	NextInstanceID(ctx context.Context, node string) (int, error)
	CloneTemplate(ctx context.Context, node string, templateID, newID int, name string) error
	ConfigureHardware(ctx context.Context, node string, id, cores, memoryMiB int, net compute.NetworkConfig) error
	ResizeDisk(ctx context.Context, node string, id int, disk string, sizeGiB int) error
	ConfigureCloudInit(ctx context.Context, node string, id int, ci compute.CloudInit) error
	Start(ctx context.Context, node string, id int) error
	Stop(ctx context.Context, node string, id int) error
	Destroy(ctx context.Context, node string, id int) error
}

// NodeResolver maps a product location to a hypervisor node.
type NodeResolver interface {
	NodeFor(location string) string
}

// ReportSink receives the report of every finished run.
type ReportSink interface {
	RecordRun(ctx context.Context, report model.RunReport) error
}

// Config tunes a run.
type Config struct {
	// CallTimeout bounds every external call except the clone.
	CallTimeout time.Duration
	// CloneTimeout bounds the full clone, which copies a whole disk.
	CloneTimeout time.Duration
	// CompensationTimeout bounds each undo action.
	CompensationTimeout time.Duration
	Bridge              string
	Disk                string
	Nodes               NodeResolver
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.CloneTimeout <= 0 {
		c.CloneTimeout = 10 * time.Minute
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = c.CallTimeout
	}
	if c.Bridge == "" {
		c.Bridge = "vmbr0"
	}
	if c.Disk == "" {
		c.Disk = "scsi0"
	}
	return c
}

// Orchestrator runs provisioning sagas. It holds no per-run state, so one
// Orchestrator serves any number of concurrent runs.
type Orchestrator struct {
	store   Store
	pool    AddressPool
	network NetworkProvisioner
	compute ComputeProvisioner
	sinks   []ReportSink
	cfg     Config
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New wires an Orchestrator.
func New(store Store, pool AddressPool, network NetworkProvisioner, cp ComputeProvisioner, cfg Config, logger zerolog.Logger, sinks ...ReportSink) (*Orchestrator, error) {
	switch {
	case store == nil:
		return nil, errors.New("store is required")
	case pool == nil:
		return nil, errors.New("address pool is required")
	case network == nil:
		return nil, errors.New("network provisioner is required")
	case cp == nil:
		return nil, errors.New("compute provisioner is required")
	case cfg.Nodes == nil:
		return nil, errors.New("node resolver is required")
	}

	return &Orchestrator{
		store:   store,
		pool:    pool,
		network: network,
		compute: cp,
		sinks:   sinks,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "provisioning").Logger(),
		tracer:  otel.Tracer("vpsd/services/provisioning"),
		now:     time.Now,
	}, nil
}

// Provision builds the service. On success the service is RUNNING and its
// address is IN_USE. A failure after the inputs are loaded is fully
// compensated, leaves the service STOPPED and is returned as a
// *fault.ProvisioningError. Missing inputs are returned as ErrNotFound
// before anything external is touched. A service that is no longer BUILDING,
// or is held by another run, is left as it is and ErrInvalidState is
// returned.
func (o *Orchestrator) Provision(ctx context.Context, serviceID uuid.UUID, creds model.Credentials) error {
	ctx, span := o.tracer.Start(ctx, "provisioning.run", trace.WithAttributes(
		attribute.String("service_id", serviceID.String()),
	))
	defer span.End()

	r := &run{
		o:      o,
		creds:  creds,
		logger: o.logger.With().Stringer("service_id", serviceID).Logger(),
		report: model.RunReport{RunID: uuid.New(), ServiceID: serviceID, StartedAt: o.now().UTC()},
	}
	r.logger = r.logger.With().Stringer("run_id", r.report.RunID).Logger()
	r.logger.Info().Msg("provisioning started")

	if err := r.step(ctx, StepLoadInputs, o.cfg.CallTimeout, r.loadInputs); err != nil {
		if errors.Is(err, fault.ErrInvalidState) {
			r.logger.Warn().Err(err).Msg("service already provisioned or claimed; skipping run")
		} else {
			r.logger.Warn().Err(err).Msg("provisioning inputs unavailable")
			o.markStopped(ctx, r, true)
		}
		o.finish(ctx, r, span, StepLoadInputs, err)
		return err
	}

	failed, err := r.forward(ctx)
	if err == nil {
		o.finish(ctx, r, span, "", nil)
		r.logger.Info().Int("vmid", r.vmid).Str("node", r.node).Str("address", r.address.Address).Msg("provisioning succeeded")
		return nil
	}

	r.logger.Error().Err(err).Str("step", failed).Strs("compensating", r.saga.Pending()).Msg("provisioning step failed")
	r.report.Compensations = r.saga.Compensate(ctx, o.cfg.CompensationTimeout, r.logger)
	for _, c := range r.report.Compensations {
		attrs := []attribute.KeyValue{attribute.String("step", c.Step)}
		if c.Error != "" {
			attrs = append(attrs, attribute.String("error", c.Error))
		}
		span.AddEvent("compensate", trace.WithAttributes(attrs...))
	}
	o.markStopped(ctx, r, false)

	perr := &fault.ProvisioningError{ServiceID: serviceID, Step: failed, Cause: err}
	o.finish(ctx, r, span, failed, perr)
	return perr
}

// markStopped flags the service as failed. It runs detached from ctx so a
// cancelled caller still leaves a consistent record.
func (o *Orchestrator) markStopped(ctx context.Context, r *run, ignoreMissing bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()

	err := o.store.MarkStopped(ctx, r.report.ServiceID)
	if err == nil || (ignoreMissing && errors.Is(err, fault.ErrNotFound)) {
		return
	}
	r.logger.Error().Err(err).Msg("failed to mark service stopped")
}

func (o *Orchestrator) finish(ctx context.Context, r *run, span trace.Span, failedStep string, err error) {
	r.report.FinishedAt = o.now().UTC()
	r.report.Node = r.node
	r.report.Address = r.address.Address
	if r.vmid != 0 {
		vmid := r.vmid
		r.report.VMID = &vmid
	}

	outcome := model.RunSucceeded
	if err != nil {
		outcome = model.RunFailed
		r.report.FailedStep = failedStep
		r.report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, failedStep)
	}
	r.report.Outcome = outcome
	metrics.ProvisioningRunsTotal.WithLabelValues(string(outcome)).Inc()

	if len(o.sinks) == 0 {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()
	for _, sink := range o.sinks {
		if serr := sink.RecordRun(sinkCtx, r.report); serr != nil {
			r.logger.Warn().Err(serr).Msg("failed to record provisioning run")
		}
	}
}
