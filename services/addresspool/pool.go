// Package addresspool hands out routable addresses from operator-imported
// blocks. Every state change is a single guarded UPDATE so that concurrent
// reservations from any number of processes never share an address.
package addresspool

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"vpsd/pkg/db"
	"vpsd/pkg/fault"
	"vpsd/pkg/metrics"
	"vpsd/pkg/model"
)

type querier interface {
	pgxscan.Querier
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	reserveSQL = `
UPDATE ip_addresses
SET status = 'RESERVED', updated_at = now()
WHERE id = (
	SELECT id FROM ip_addresses
	WHERE status = 'AVAILABLE' AND location = $1
	ORDER BY address
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND status = 'AVAILABLE'
RETURNING id, address, ip_block, gateway, location`

	commitSQL = `
UPDATE ip_addresses
SET status = 'IN_USE', vmid = $2, virtual_mac = $3, updated_at = now()
WHERE id = $1 AND status = 'RESERVED'`

	releaseSQL = `
UPDATE ip_addresses
SET status = 'AVAILABLE', vmid = NULL, virtual_mac = NULL, updated_at = now()
WHERE id = $1 AND status IN ('RESERVED', 'IN_USE')`

	statusSQL = `SELECT status FROM ip_addresses WHERE id = $1`

	importSQL = `
INSERT INTO ip_addresses (id, address, ip_block, gateway, location, status)
VALUES ($1, $2, $3, $4, $5, 'AVAILABLE')
ON CONFLICT (address) DO NOTHING`

	listSQL = `
SELECT id, address, ip_block, gateway, location, status, virtual_mac, vmid
FROM ip_addresses
WHERE ($1 = '' OR location = $1) AND ($2 = '' OR status = $2)
ORDER BY location, address`
)

// Pool is the Postgres-backed address pool.
type Pool struct {
	q      querier
	logger zerolog.Logger
}

// New returns a Pool over q, usually a *pgxpool.Pool.
func New(q querier, logger zerolog.Logger) (*Pool, error) {
	if q == nil {
		return nil, errors.New("querier is required")
	}
	return &Pool{q: q, logger: logger.With().Str("component", "addresspool").Logger()}, nil
}

// Reserve moves one AVAILABLE address in location to RESERVED and returns it.
func (p *Pool) Reserve(ctx context.Context, location string) (model.AddressRecord, error) {
	var rec model.AddressRecord
	err := p.q.QueryRow(ctx, reserveSQL, location).Scan(&rec.ID, &rec.Address, &rec.Block, &rec.Gateway, &rec.Location)
	switch {
	case db.IsNoRows(err):
		metrics.AddressReservationsTotal.WithLabelValues(location, "exhausted").Inc()
		return model.AddressRecord{}, fmt.Errorf("%w: location %q", fault.ErrNoCapacity, location)
	case err != nil:
		metrics.AddressReservationsTotal.WithLabelValues(location, "error").Inc()
		return model.AddressRecord{}, fmt.Errorf("reserve address in %q: %w", location, err)
	}

	rec.Status = model.AddressReserved
	metrics.AddressReservationsTotal.WithLabelValues(location, "reserved").Inc()
	p.logger.Debug().Str("address", rec.Address).Str("location", location).Msg("address reserved")
	return rec, nil
}

// Commit binds a RESERVED address to an instance and its virtual MAC.
func (p *Pool) Commit(ctx context.Context, addressID uuid.UUID, vmid int, mac string) error {
	tag, err := p.q.Exec(ctx, commitSQL, addressID, vmid, mac)
	if err != nil {
		return fmt.Errorf("commit address %s: %w", addressID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := p.status(ctx, addressID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: commit address %s in status %s", fault.ErrInvalidState, addressID, status)
}

// Release returns an address to AVAILABLE. Releasing an AVAILABLE address is a no-op.
func (p *Pool) Release(ctx context.Context, addressID uuid.UUID) error {
	tag, err := p.q.Exec(ctx, releaseSQL, addressID)
	if err != nil {
		return fmt.Errorf("release address %s: %w", addressID, err)
	}
	if tag.RowsAffected() == 1 {
		p.logger.Debug().Stringer("address_id", addressID).Msg("address released")
		return nil
	}

	// Nothing changed: either it was already AVAILABLE or it does not exist.
	_, err = p.status(ctx, addressID)
	return err
}

func (p *Pool) status(ctx context.Context, addressID uuid.UUID) (model.AddressStatus, error) {
	var status string
	err := p.q.QueryRow(ctx, statusSQL, addressID).Scan(&status)
	if db.IsNoRows(err) {
		return "", fmt.Errorf("%w: address %s", fault.ErrNotFound, addressID)
	}
	if err != nil {
		return "", fmt.Errorf("load address %s: %w", addressID, err)
	}
	return model.AddressStatus(status), nil
}

// Block describes a range of addresses delegated to one location.
type Block struct {
	CIDR      string   `yaml:"block"`
	Gateway   string   `yaml:"gateway"`
	Location  string   `yaml:"location"`
	Addresses []string `yaml:"addresses"`
}

// Import inserts the block's addresses as AVAILABLE and reports how many were
// new. Addresses already present are left untouched.
func (p *Pool) Import(ctx context.Context, b Block) (int, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(b.CIDR))
	if err != nil {
		return 0, fmt.Errorf("parse block %q: %w", b.CIDR, err)
	}
	prefix = prefix.Masked()
	gw, err := netip.ParseAddr(strings.TrimSpace(b.Gateway))
	if err != nil {
		return 0, fmt.Errorf("parse gateway %q: %w", b.Gateway, err)
	}
	if strings.TrimSpace(b.Location) == "" {
		return 0, errors.New("location is required")
	}

	addrs := make([]netip.Addr, 0, len(b.Addresses))
	for _, raw := range b.Addresses {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return 0, fmt.Errorf("parse address %q: %w", raw, err)
		}
		if !prefix.Contains(addr) {
			return 0, fmt.Errorf("address %s is outside block %s", addr, prefix)
		}
		if addr == gw {
			return 0, fmt.Errorf("address %s is the gateway", addr)
		}
		addrs = append(addrs, addr)
	}

	inserted := 0
	for _, addr := range addrs {
		tag, err := p.q.Exec(ctx, importSQL, uuid.New(), addr.String(), prefix.String(), gw.String(), b.Location)
		if err != nil {
			return inserted, fmt.Errorf("import %s: %w", addr, err)
		}
		inserted += int(tag.RowsAffected())
	}

	p.logger.Info().Str("block", prefix.String()).Str("location", b.Location).Int("inserted", inserted).Msg("address block imported")
	return inserted, nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Location string
	Status   model.AddressStatus
}

// List returns addresses matching f ordered by location and address.
func (p *Pool) List(ctx context.Context, f Filter) ([]model.AddressRecord, error) {
	var out []model.AddressRecord
	if err := db.Select(ctx, p.q, &out, listSQL, f.Location, string(f.Status)); err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	return out, nil
}
