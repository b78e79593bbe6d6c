package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"vpsd/pkg/fault"
	"vpsd/pkg/model"
)

const workerDurable = "vpsd-provisioning-worker"

type eventBus interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error, opts ...nats.SubOpt) (io.Closer, error)
}

// Worker consumes provisioning jobs from the bus. Every job is acknowledged,
// whatever the outcome: a failed saga has already been compensated and is
// never retried. A job for a service that another run already built or
// claimed is dropped without a finished event.
type Worker struct {
	bus     eventBus
	p       Provisioner
	seal    sealer
	ackWait time.Duration
	logger  zerolog.Logger

	activeMu sync.Mutex
	active   map[uuid.UUID]struct{}

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewWorker binds a worker to its dependencies. ackWait should exceed the
// longest expected run; a redelivery of a job still running is dropped.
func NewWorker(b eventBus, p Provisioner, s sealer, ackWait time.Duration, logger zerolog.Logger) (*Worker, error) {
	switch {
	case b == nil:
		return nil, errors.New("bus is required")
	case p == nil:
		return nil, errors.New("provisioner is required")
	case s == nil:
		return nil, errors.New("sealer is required")
	}
	return &Worker{
		bus:     b,
		p:       p,
		seal:    s,
		ackWait: ackWait,
		logger:  logger.With().Str("component", "dispatch-worker").Logger(),
		active:  make(map[uuid.UUID]struct{}),
	}, nil
}

// Start registers the durable consumer.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil worker")
	}

	var opts []nats.SubOpt
	if w.ackWait > 0 {
		opts = append(opts, nats.AckWait(w.ackWait))
	}
	closer, err := w.bus.Subscribe(ctx, RequestedSubject, workerDurable, w.handleJob, opts...)
	if err != nil {
		return err
	}
	w.subsMu.Lock()
	w.subs = append(w.subs, closer)
	w.subsMu.Unlock()
	return nil
}

// Close tears down the subscription.
func (w *Worker) Close() error {
	if w == nil {
		return nil
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}

func (w *Worker) handleJob(ctx context.Context, data []byte) error {
	var job ProvisionJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.logger.Error().Err(err).Msg("dropping malformed provisioning job")
		return nil
	}
	if job.ServiceID == uuid.Nil {
		w.logger.Error().Msg("dropping provisioning job without service_id")
		return nil
	}

	logger := w.logger.With().Stringer("service_id", job.ServiceID).Logger()
	if !w.claim(job.ServiceID) {
		logger.Warn().Msg("provisioning already in progress; dropping redelivery")
		return nil
	}
	defer w.release(job.ServiceID)

	creds := model.Credentials{SSHPublicKey: job.SSHPublicKey}
	var runErr error
	if job.SealedPassword != "" {
		creds.Password, runErr = w.seal.Open(job.SealedPassword)
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("cannot open sealed credentials")
	} else {
		// A run is never cancelled once started.
		runErr = w.p.Provision(context.WithoutCancel(ctx), job.ServiceID, creds)
	}
	if errors.Is(runErr, fault.ErrInvalidState) {
		// Redelivered after another run built or claimed the service.
		logger.Warn().Err(runErr).Msg("service not provisionable; dropping job")
		return nil
	}

	evt := FinishedEvent{ServiceID: job.ServiceID, Outcome: model.RunSucceeded, FinishedAt: time.Now().UTC()}
	if runErr != nil {
		evt.Outcome = model.RunFailed
		evt.Error = fault.Public(runErr)
		logger.Error().Err(runErr).Msg("provisioning run failed")
	}
	if err := w.bus.Publish(ctx, FinishedSubject, evt); err != nil {
		logger.Warn().Err(err).Msg("failed to publish provisioning result")
	}
	return nil
}

func (w *Worker) claim(id uuid.UUID) bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	if _, ok := w.active[id]; ok {
		return false
	}
	w.active[id] = struct{}{}
	return true
}

func (w *Worker) release(id uuid.UUID) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	delete(w.active, id)
}
