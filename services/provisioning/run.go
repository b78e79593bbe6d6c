package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vpsd/pkg/fault"
	"vpsd/pkg/metrics"
	"vpsd/pkg/model"
	"vpsd/services/compute"
)

// run carries the state of a single Provision call.
type run struct {
	o      *Orchestrator
	creds  model.Credentials
	logger zerolog.Logger
	report model.RunReport
	saga   Saga

	in      model.ProvisioningInput
	node    string
	address model.AddressRecord
	mac     string
	vmid    int
}

type forwardStep struct {
	name    string
	timeout time.Duration
	do      func(ctx context.Context) error
}

func (r *run) forward(ctx context.Context) (string, error) {
	call, clone := r.o.cfg.CallTimeout, r.o.cfg.CloneTimeout
	steps := []forwardStep{
		{name: StepReserveAddress, timeout: call, do: r.reserveAddress},
		{name: StepCreateVirtualMAC, timeout: call, do: r.createVirtualMAC},
		{name: StepNextInstanceID, timeout: call, do: r.nextInstanceID},
		{name: StepCloneTemplate, timeout: clone, do: r.cloneTemplate},
		// Three hypervisor calls, each bounded by the call timeout.
		{name: StepConfigure, do: r.configure},
		{name: StepStart, timeout: call, do: r.start},
		{name: StepCommit, do: r.commit},
	}

	for _, s := range steps {
		if err := r.step(ctx, s.name, s.timeout, s.do); err != nil {
			return s.name, err
		}
	}
	return "", nil
}

// step runs fn under its own span and timeout and appends it to the report.
func (r *run) step(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, span := r.o.tracer.Start(ctx, "provisioning."+name)
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := r.o.now()
	err := fn(ctx)
	elapsed := r.o.now().Sub(start)

	res := model.StepResult{Step: name, StartedAt: start.UTC(), Duration: elapsed}
	result := "ok"
	if err != nil {
		res.Error = err.Error()
		result = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
	}
	r.report.Steps = append(r.report.Steps, res)
	metrics.ProvisioningStepDuration.WithLabelValues(name, result).Observe(elapsed.Seconds())
	r.logger.Debug().Str("step", name).Dur("elapsed", elapsed).Str("result", result).Msg("step finished")
	return err
}

func (r *run) withCall(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.o.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// loadInputs reads the service and claims it for this run. Only one run
// ever gets past here for a given service.
func (r *run) loadInputs(ctx context.Context) error {
	id := r.report.ServiceID
	in, err := r.o.store.LoadProvisioningInput(ctx, id)
	if err != nil {
		return err
	}
	if in.Service.Status != model.ServiceBuilding {
		return fmt.Errorf("%w: service %s is %s", fault.ErrInvalidState, id, in.Service.Status)
	}
	if err := r.o.store.ClaimProvisioning(ctx, id, r.report.RunID); err != nil {
		return err
	}
	r.in = in
	r.node = r.o.cfg.Nodes.NodeFor(in.Product.Specs.Location)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("location", in.Product.Specs.Location),
		attribute.String("node", r.node),
	)
	return nil
}

func (r *run) reserveAddress(ctx context.Context) error {
	addr, err := r.o.pool.Reserve(ctx, r.in.Product.Specs.Location)
	if err != nil {
		return err
	}
	r.address = addr
	r.logger = r.logger.With().Str("address", addr.Address).Logger()
	r.saga.Record(StepReserveAddress, func(ctx context.Context) error {
		return r.o.pool.Release(ctx, addr.ID)
	})
	return nil
}

func (r *run) createVirtualMAC(ctx context.Context) error {
	block, address := r.address.Block, r.address.Address
	mac, err := r.o.network.CreateVirtualIdentity(ctx, block, address, r.in.Service.Hostname)
	if err != nil {
		return err
	}
	r.mac = mac
	r.saga.Record(StepCreateVirtualMAC, func(ctx context.Context) error {
		return r.o.network.DestroyVirtualIdentity(ctx, block, mac)
	})
	return nil
}

func (r *run) nextInstanceID(ctx context.Context) error {
	id, err := r.o.compute.NextInstanceID(ctx, r.node)
	if err != nil {
		return err
	}
	r.vmid = id
	r.logger = r.logger.With().Int("vmid", id).Logger()
	// The id is only consumed by the clone.
	r.saga.Record(StepNextInstanceID, nil)
	return nil
}

func (r *run) cloneTemplate(ctx context.Context) error {
	node, vmid := r.node, r.vmid
	if err := r.o.compute.CloneTemplate(ctx, node, r.in.OSVersion.TemplateID, vmid, r.in.Service.Hostname); err != nil {
		return err
	}
	r.saga.Record(StepCloneTemplate, func(ctx context.Context) error {
		// The clone may never have been started; a failed stop must not
		// prevent the destroy.
		if err := r.o.compute.Stop(ctx, node, vmid); err != nil {
			r.logger.Warn().Err(err).Msg("stop before destroy failed")
		}
		return r.o.compute.Destroy(ctx, node, vmid)
	})
	return nil
}

func (r *run) configure(ctx context.Context) error {
	specs := r.in.Product.Specs
	cfg := r.o.cfg

	if err := r.withCall(ctx, func(ctx context.Context) error {
		return r.o.compute.ConfigureHardware(ctx, r.node, r.vmid, specs.VCPUs, specs.MemoryMiB(),
			compute.NetworkConfig{MAC: r.mac, Bridge: cfg.Bridge})
	}); err != nil {
		return err
	}
	if err := r.withCall(ctx, func(ctx context.Context) error {
		return r.o.compute.ResizeDisk(ctx, r.node, r.vmid, cfg.Disk, specs.StorageGiB)
	}); err != nil {
		return err
	}
	if err := r.withCall(ctx, func(ctx context.Context) error {
		return r.o.compute.ConfigureCloudInit(ctx, r.node, r.vmid, compute.CloudInit{
			User:         r.in.OSVersion.LoginUser(),
			Password:     r.creds.Password,
			SSHPublicKey: r.creds.SSHPublicKey,
			AddressCIDR:  r.address.Address + "/32",
			Gateway:      r.address.Gateway,
		})
	}); err != nil {
		return err
	}
	r.saga.Record(StepConfigure, nil)
	return nil
}

func (r *run) start(ctx context.Context) error {
	if err := r.o.compute.Start(ctx, r.node, r.vmid); err != nil {
		return err
	}
	r.saga.Record(StepStart, nil)
	return nil
}

// commit binds the address and marks the service running. A failure here is
// compensated like any other; Release also handles an IN_USE address.
func (r *run) commit(ctx context.Context) error {
	if err := r.withCall(ctx, func(ctx context.Context) error {
		return r.o.pool.Commit(ctx, r.address.ID, r.vmid, r.mac)
	}); err != nil {
		return err
	}
	return r.withCall(ctx, func(ctx context.Context) error {
		return r.o.store.MarkRunning(ctx, r.report.ServiceID, r.vmid, r.node, r.address.ID)
	})
}
