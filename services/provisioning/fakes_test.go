package provisioning

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"vpsd/pkg/fault"
	"vpsd/pkg/model"
	"vpsd/services/compute"
)

// world is the shared state behind the fakes. Every external call is
// appended to calls, and an entry in fail makes the named operation fail.
type world struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	block     map[string]chan struct{}
	inputs    map[uuid.UUID]model.ProvisioningInput
	services  map[uuid.UUID]*model.ServiceRecord
	claims    map[uuid.UUID]uuid.UUID
	addresses map[uuid.UUID]*model.AddressRecord
	liveMACs  map[string]bool
	liveVMs   map[int]bool
	nextID    int
	reports   []model.RunReport
}

func newWorld() *world {
	return &world{
		fail:      map[string]error{},
		block:     map[string]chan struct{}{},
		inputs:    map[uuid.UUID]model.ProvisioningInput{},
		services:  map[uuid.UUID]*model.ServiceRecord{},
		claims:    map[uuid.UUID]uuid.UUID{},
		addresses: map[uuid.UUID]*model.AddressRecord{},
		liveMACs:  map[string]bool{},
		liveVMs:   map[int]bool{},
		nextID:    104,
	}
}

// enter records op and returns the injected failure for it, if any. When op
// is set to block, enter waits for ctx to end and returns its error.
func (w *world) enter(ctx context.Context, op string) error {
	w.mu.Lock()
	w.calls = append(w.calls, op)
	err := w.fail[op]
	ch := w.block[op]
	w.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (w *world) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *world) addAddress(address, block, gateway, location string) uuid.UUID {
	id := uuid.New()
	w.addresses[id] = &model.AddressRecord{
		ID: id, Address: address, Block: block, Gateway: gateway, Location: location, Status: model.AddressAvailable,
	}
	return id
}

func (w *world) addService(specs model.ProductSpecs, hostname string) uuid.UUID {
	id := uuid.New()
	svc := model.ServiceRecord{ID: id, Hostname: hostname, Status: model.ServiceBuilding}
	w.services[id] = &svc
	w.inputs[id] = model.ProvisioningInput{
		Service:   svc,
		Order:     model.Order{ID: uuid.New(), Status: model.OrderActive},
		Product:   model.Product{ID: uuid.New(), Name: "VPS", Specs: specs},
		OSVersion: model.OSVersion{ID: uuid.New(), Name: "Ubuntu 24.04", TemplateID: 9000},
	}
	return id
}

func (w *world) address(id uuid.UUID) model.AddressRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.addresses[id]
}

func (w *world) liveVMCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.liveVMs)
}

func (w *world) service(id uuid.UUID) model.ServiceRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.services[id]
}

type fakeStore struct{ w *world }

func (s fakeStore) LoadProvisioningInput(ctx context.Context, id uuid.UUID) (model.ProvisioningInput, error) {
	if err := s.w.enter(ctx, "store.load"); err != nil {
		return model.ProvisioningInput{}, err
	}
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	in, ok := s.w.inputs[id]
	if !ok {
		return model.ProvisioningInput{}, fmt.Errorf("%w: service %s", fault.ErrNotFound, id)
	}
	in.Service = *s.w.services[id]
	return in, nil
}

func (s fakeStore) ClaimProvisioning(ctx context.Context, id, runID uuid.UUID) error {
	if err := s.w.enter(ctx, "store.claim"); err != nil {
		return err
	}
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	svc, ok := s.w.services[id]
	if !ok {
		return fmt.Errorf("%w: service %s", fault.ErrNotFound, id)
	}
	if _, held := s.w.claims[id]; held || svc.Status != model.ServiceBuilding {
		return fmt.Errorf("%w: service %s is %s", fault.ErrInvalidState, id, svc.Status)
	}
	s.w.claims[id] = runID
	return nil
}

func (s fakeStore) MarkRunning(ctx context.Context, id uuid.UUID, vmid int, node string, addressID uuid.UUID) error {
	if err := s.w.enter(ctx, "store.mark_running"); err != nil {
		return err
	}
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	svc := s.w.services[id]
	svc.Status, svc.VMID, svc.Node, svc.AddressID = model.ServiceRunning, &vmid, &node, &addressID
	return nil
}

func (s fakeStore) MarkStopped(_ context.Context, id uuid.UUID) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.calls = append(s.w.calls, "store.mark_stopped")
	svc, ok := s.w.services[id]
	if !ok {
		return fmt.Errorf("%w: service %s", fault.ErrNotFound, id)
	}
	svc.Status = model.ServiceStopped
	return nil
}

type fakePool struct{ w *world }

func (p fakePool) Reserve(ctx context.Context, location string) (model.AddressRecord, error) {
	if err := p.w.enter(ctx, "pool.reserve"); err != nil {
		return model.AddressRecord{}, err
	}
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	var free []*model.AddressRecord
	for _, a := range p.w.addresses {
		if a.Location == location && a.Status == model.AddressAvailable {
			free = append(free, a)
		}
	}
	if len(free) == 0 {
		return model.AddressRecord{}, fmt.Errorf("%w: location %q", fault.ErrNoCapacity, location)
	}
	sort.Slice(free, func(i, j int) bool { return free[i].Address < free[j].Address })
	free[0].Status = model.AddressReserved
	return *free[0], nil
}

func (p fakePool) Commit(ctx context.Context, id uuid.UUID, vmid int, mac string) error {
	if err := p.w.enter(ctx, "pool.commit"); err != nil {
		return err
	}
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	a := p.w.addresses[id]
	if a.Status != model.AddressReserved {
		return fmt.Errorf("%w: address %s is %s", fault.ErrInvalidState, id, a.Status)
	}
	a.Status, a.VMID, a.VirtualMAC = model.AddressInUse, &vmid, &mac
	return nil
}

func (p fakePool) Release(ctx context.Context, id uuid.UUID) error {
	if err := p.w.enter(ctx, "pool.release"); err != nil {
		return err
	}
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	a := p.w.addresses[id]
	a.Status, a.VMID, a.VirtualMAC = model.AddressAvailable, nil, nil
	return nil
}

type fakeNetwork struct{ w *world }

func (n fakeNetwork) CreateVirtualIdentity(ctx context.Context, block, address, label string) (string, error) {
	if err := n.w.enter(ctx, "ovh.create"); err != nil {
		return "", fmt.Errorf("%w: %w", fault.ErrNetworkProvisioning, err)
	}
	n.w.mu.Lock()
	defer n.w.mu.Unlock()
	mac := "02:00:00:aa:bb:cc"
	n.w.liveMACs[mac] = true
	return mac, nil
}

func (n fakeNetwork) DestroyVirtualIdentity(ctx context.Context, block, mac string) error {
	if err := n.w.enter(ctx, "ovh.destroy"); err != nil {
		return fmt.Errorf("%w: %w", fault.ErrNetworkProvisioning, err)
	}
	n.w.mu.Lock()
	defer n.w.mu.Unlock()
	delete(n.w.liveMACs, mac)
	return nil
}

type fakeCompute struct{ w *world }

func (c fakeCompute) op(ctx context.Context, name string) error {
	if err := c.w.enter(ctx, name); err != nil {
		return fmt.Errorf("%w: %s: %w", fault.ErrComputeProvisioning, name, err)
	}
	return nil
}

func (c fakeCompute) NextInstanceID(ctx context.Context, node string) (int, error) {
	if err := c.op(ctx, "pve.nextid"); err != nil {
		return 0, err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	id := c.w.nextID
	c.w.nextID++
	return id, nil
}

func (c fakeCompute) CloneTemplate(ctx context.Context, node string, templateID, newID int, name string) error {
	if err := c.op(ctx, "pve.clone"); err != nil {
		return err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.calls[len(c.w.calls)-1] = fmt.Sprintf("pve.clone(template=%d,newId=%d,node=%s)", templateID, newID, node)
	c.w.liveVMs[newID] = true
	return nil
}

func (c fakeCompute) ConfigureHardware(ctx context.Context, node string, id, cores, memoryMiB int, net compute.NetworkConfig) error {
	if err := c.op(ctx, "pve.configure"); err != nil {
		return err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.calls[len(c.w.calls)-1] = fmt.Sprintf("pve.configure(cores=%d,memory=%d,net=%s/%s)", cores, memoryMiB, net.MAC, net.Bridge)
	return nil
}

func (c fakeCompute) ResizeDisk(ctx context.Context, node string, id int, disk string, sizeGiB int) error {
	if err := c.op(ctx, "pve.resize"); err != nil {
		return err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.calls[len(c.w.calls)-1] = fmt.Sprintf("pve.resize(%s=%dG)", disk, sizeGiB)
	return nil
}

func (c fakeCompute) ConfigureCloudInit(ctx context.Context, node string, id int, ci compute.CloudInit) error {
	if err := c.op(ctx, "pve.cloudinit"); err != nil {
		return err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	c.w.calls[len(c.w.calls)-1] = fmt.Sprintf("pve.cloudinit(user=%s,ip=%s,gw=%s)", ci.User, ci.AddressCIDR, ci.Gateway)
	return nil
}

func (c fakeCompute) Start(ctx context.Context, node string, id int) error {
	return c.op(ctx, "pve.start")
}

func (c fakeCompute) Stop(ctx context.Context, node string, id int) error {
	return c.op(ctx, "pve.stop")
}

func (c fakeCompute) Destroy(ctx context.Context, node string, id int) error {
	if err := c.op(ctx, "pve.destroy"); err != nil {
		return err
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	delete(c.w.liveVMs, id)
	return nil
}

type fakeSink struct{ w *world }

func (s fakeSink) RecordRun(_ context.Context, r model.RunReport) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.reports = append(s.w.reports, r)
	return nil
}

type staticNodes map[string]string

func (n staticNodes) NodeFor(location string) string {
	if node, ok := n[location]; ok {
		return node
	}
	return "pve-default"
}
