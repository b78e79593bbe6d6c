package addresspool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"vpsd/pkg/model"
)

// fakeDB executes the pool's statements against an in-memory table. Each
// statement holds the lock for its whole duration, mirroring the row-level
// atomicity Postgres gives the guarded updates.
type fakeDB struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.AddressRecord
	err  error
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[uuid.UUID]*model.AddressRecord)}
}

func (f *fakeDB) add(address, block, gateway, location string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.rows[id] = &model.AddressRecord{
		ID: id, Address: address, Block: block, Gateway: gateway, Location: location, Status: model.AddressAvailable,
	}
	return id
}

func (f *fakeDB) get(id uuid.UUID) model.AddressRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}

	switch sql {
	case commitSQL:
		row, ok := f.rows[args[0].(uuid.UUID)]
		if !ok || row.Status != model.AddressReserved {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		vmid, mac := args[1].(int), args[2].(string)
		row.Status, row.VMID, row.VirtualMAC = model.AddressInUse, &vmid, &mac
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case releaseSQL:
		row, ok := f.rows[args[0].(uuid.UUID)]
		if !ok || row.Status == model.AddressAvailable {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		row.Status, row.VMID, row.VirtualMAC = model.AddressAvailable, nil, nil
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case importSQL:
		address := args[1].(string)
		for _, row := range f.rows {
			if row.Address == address {
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
		}
		id := args[0].(uuid.UUID)
		f.rows[id] = &model.AddressRecord{
			ID: id, Address: address, Block: args[2].(string), Gateway: args[3].(string),
			Location: args[4].(string), Status: model.AddressAvailable,
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return fakeRow{err: f.err}
	}

	switch sql {
	case reserveSQL:
		var candidates []*model.AddressRecord
		for _, row := range f.rows {
			if row.Status == model.AddressAvailable && row.Location == args[0].(string) {
				candidates = append(candidates, row)
			}
		}
		if len(candidates) == 0 {
			return fakeRow{err: pgx.ErrNoRows}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Address < candidates[j].Address })
		row := candidates[0]
		row.Status = model.AddressReserved
		return fakeRow{vals: []any{row.ID, row.Address, row.Block, row.Gateway, row.Location}}

	case statusSQL:
		row, ok := f.rows[args[0].(uuid.UUID)]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{string(row.Status)}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeDB: Query is not supported")
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: got %d destinations for %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *uuid.UUID:
			*d = r.vals[i].(uuid.UUID)
		case *string:
			*d = r.vals[i].(string)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}
