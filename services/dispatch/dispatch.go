// Package dispatch hands freshly paid services to the provisioning saga,
// either in-process or through the message bus.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vpsd/pkg/model"
)

const (
	StreamName       = "VPSD_PROVISIONING"
	RequestedSubject = "vpsd.provisioning.requested"
	FinishedSubject  = "vpsd.provisioning.finished"
)

// Provisioner runs the provisioning saga for one service.
type Provisioner interface {
	Provision(ctx context.Context, serviceID uuid.UUID, creds model.Credentials) error
}

// ProvisionJob is the bus payload requesting a run. The password is sealed.
type ProvisionJob struct {
	ServiceID      uuid.UUID `json:"service_id"`
	SSHPublicKey   string    `json:"ssh_key,omitempty"`
	SealedPassword string    `json:"sealed_password,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

// FinishedEvent is published once a bus-dispatched run ends.
type FinishedEvent struct {
	ServiceID  uuid.UUID        `json:"service_id"`
	Outcome    model.RunOutcome `json:"outcome"`
	Error      string           `json:"error,omitempty"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Inline runs the saga on a goroutine detached from the caller, so the
// payment webhook can answer before provisioning ends.
type Inline struct {
	p      Provisioner
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewInline returns a dispatcher that runs the saga in this process.
func NewInline(p Provisioner, logger zerolog.Logger) (*Inline, error) {
	if p == nil {
		return nil, errors.New("provisioner is required")
	}
	return &Inline{p: p, logger: logger.With().Str("component", "dispatch").Logger()}, nil
}

// Dispatch starts the run and returns immediately.
func (d *Inline) Dispatch(ctx context.Context, serviceID uuid.UUID, creds model.Credentials) error {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.p.Provision(runCtx, serviceID, creds); err != nil {
			d.logger.Error().Err(err).Stringer("service_id", serviceID).Msg("provisioning run failed")
		}
	}()
	return nil
}

// Wait blocks until every started run has returned or ctx ends.
func (d *Inline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type publisher interface {
	PublishMsgID(ctx context.Context, subj, msgID string, v any) error
}

type sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Bus publishes provisioning jobs. The service id is the message id, so the
// stream drops a second request for the same service.
type Bus struct {
	pub    publisher
	seal   sealer
	now    func() time.Time
	logger zerolog.Logger
}

// NewBus returns a dispatcher that publishes sealed jobs for a Worker.
func NewBus(pub publisher, s sealer, logger zerolog.Logger) (*Bus, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if s == nil {
		return nil, errors.New("sealer is required")
	}
	return &Bus{pub: pub, seal: s, now: time.Now, logger: logger.With().Str("component", "dispatch").Logger()}, nil
}

// Dispatch seals the credentials and publishes the job.
func (d *Bus) Dispatch(ctx context.Context, serviceID uuid.UUID, creds model.Credentials) error {
	job := ProvisionJob{ServiceID: serviceID, SSHPublicKey: creds.SSHPublicKey, RequestedAt: d.now().UTC()}
	if creds.Password != "" {
		sealed, err := d.seal.Seal(creds.Password)
		if err != nil {
			return fmt.Errorf("seal password: %w", err)
		}
		job.SealedPassword = sealed
	}
	if err := d.pub.PublishMsgID(ctx, RequestedSubject, serviceID.String(), job); err != nil {
		return fmt.Errorf("publish provisioning job: %w", err)
	}
	d.logger.Info().Stringer("service_id", serviceID).Msg("provisioning job published")
	return nil
}
