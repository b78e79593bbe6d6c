package compute

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"vpsd/pkg/fault"
)

// NetworkConfig describes the instance's single bridged NIC.
type NetworkConfig struct {
	MAC    string
	Bridge string
}

func (n NetworkConfig) value() string {
	return fmt.Sprintf("virtio=%s,bridge=%s", n.MAC, n.Bridge)
}

// CloudInit is the first-boot configuration handed to the guest.
type CloudInit struct {
	User         string
	Password     string
	SSHPublicKey string
	AddressCIDR  string
	Gateway      string
}

func vmPath(node string, id int, suffix string) string {
	return fmt.Sprintf("/nodes/%s/qemu/%d%s", url.PathEscape(node), id, suffix)
}

func computeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", fault.ErrComputeProvisioning, op, err)
}

// NextInstanceID asks the cluster for a free instance id.
func (c *Client) NextInstanceID(ctx context.Context, node string) (int, error) {
	var raw string
	if err := c.api.Get(ctx, "/cluster/nextid", &raw); err != nil {
		return 0, computeErr("next id on "+node, err)
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, computeErr("next id on "+node, err)
	}
	return id, nil
}

// CloneTemplate performs a full clone of templateID into newID.
func (c *Client) CloneTemplate(ctx context.Context, node string, templateID, newID int, name string) error {
	body := map[string]any{"newid": newID, "name": name, "full": 1}
	if err := c.post(ctx, vmPath(node, templateID, "/clone"), body); err != nil {
		return computeErr(fmt.Sprintf("clone template %d to %d on %s", templateID, newID, node), err)
	}
	c.logger.Info().Str("node", node).Int("template", templateID).Int("vmid", newID).Msg("template cloned")
	return nil
}

// ConfigureHardware sets cores, memory and the primary NIC.
func (c *Client) ConfigureHardware(ctx context.Context, node string, id, cores, memoryMiB int, net NetworkConfig) error {
	body := map[string]any{"cores": cores, "memory": memoryMiB, "net0": net.value()}
	if err := c.post(ctx, vmPath(node, id, "/config"), body); err != nil {
		return computeErr(fmt.Sprintf("configure hardware of %d on %s", id, node), err)
	}
	return nil
}

// ResizeDisk grows disk to sizeGiB.
func (c *Client) ResizeDisk(ctx context.Context, node string, id int, disk string, sizeGiB int) error {
	body := map[string]any{"disk": disk, "size": fmt.Sprintf("%dG", sizeGiB)}
	if err := c.put(ctx, vmPath(node, id, "/resize"), body); err != nil {
		return computeErr(fmt.Sprintf("resize %s of %d on %s", disk, id, node), err)
	}
	return nil
}

// ConfigureCloudInit writes login and network settings for first boot.
func (c *Client) ConfigureCloudInit(ctx context.Context, node string, id int, ci CloudInit) error {
	body := map[string]any{
		"ciuser":    ci.User,
		"ipconfig0": fmt.Sprintf("ip=%s,gw=%s", ci.AddressCIDR, ci.Gateway),
	}
	if ci.Password != "" {
		body["cipassword"] = ci.Password
	}
	if key := strings.TrimSpace(ci.SSHPublicKey); key != "" {
		body["sshkeys"] = encodeSSHKeys(key)
	}
	if err := c.post(ctx, vmPath(node, id, "/config"), body); err != nil {
		return computeErr(fmt.Sprintf("configure cloud-init of %d on %s", id, node), err)
	}
	return nil
}

// encodeSSHKeys percent-encodes keys the way the sshkeys option requires,
// with spaces as %20 rather than '+'.
func encodeSSHKeys(keys string) string {
	return strings.ReplaceAll(url.QueryEscape(keys), "+", "%20")
}

// Start powers the instance on.
func (c *Client) Start(ctx context.Context, node string, id int) error {
	return c.power(ctx, node, id, "start")
}

// Stop powers the instance off without a guest shutdown.
func (c *Client) Stop(ctx context.Context, node string, id int) error {
	return c.power(ctx, node, id, "stop")
}

// Reboot restarts the guest.
func (c *Client) Reboot(ctx context.Context, node string, id int) error {
	return c.power(ctx, node, id, "reboot")
}

func (c *Client) power(ctx context.Context, node string, id int, action string) error {
	if err := c.post(ctx, vmPath(node, id, "/status/"+action), map[string]any{}); err != nil {
		return computeErr(fmt.Sprintf("%s %d on %s", action, id, node), err)
	}
	c.logger.Info().Str("node", node).Int("vmid", id).Str("action", action).Msg("power action completed")
	return nil
}

// Destroy deletes the instance and purges it from jobs and replication.
func (c *Client) Destroy(ctx context.Context, node string, id int) error {
	if err := c.delete(ctx, vmPath(node, id, "?purge=1")); err != nil {
		return computeErr(fmt.Sprintf("destroy %d on %s", id, node), err)
	}
	c.logger.Info().Str("node", node).Int("vmid", id).Msg("instance destroyed")
	return nil
}
