// Package network creates and destroys virtual MACs on the network allocator
// (OVH) so that a bridged instance can answer for a failover address.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ovh/go-ovh/ovh"
	"github.com/rs/zerolog"

	"vpsd/pkg/config"
	"vpsd/pkg/fault"
)

// DefaultTimeout bounds each allocator call.
const DefaultTimeout = 30 * time.Second

type ovhAPI interface {
	PostWithContext(ctx context.Context, url string, reqBody, resType any) error
	DeleteWithContext(ctx context.Context, url string, resType any) error
}

// Provisioner talks to the OVH IP API.
type Provisioner struct {
	api     ovhAPI
	timeout time.Duration
	logger  zerolog.Logger
}

// NewFromConfig builds a Provisioner with a real OVH client.
func NewFromConfig(cfg config.OVHConfig, timeout time.Duration, logger zerolog.Logger) (*Provisioner, error) {
	client, err := ovh.NewClient(cfg.Endpoint, cfg.AppKey, cfg.AppSecret, cfg.ConsumerKey)
	if err != nil {
		return nil, fmt.Errorf("ovh client: %w", err)
	}
	return New(client, timeout, logger)
}

// New wraps an OVH API client.
func New(api ovhAPI, timeout time.Duration, logger zerolog.Logger) (*Provisioner, error) {
	if api == nil {
		return nil, errors.New("ovh api is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provisioner{
		api:     api,
		timeout: timeout,
		logger:  logger.With().Str("component", "network").Logger(),
	}, nil
}

type virtualMACRequest struct {
	IPAddress          string `json:"ipAddress"`
	Type               string `json:"type"`
	VirtualMachineName string `json:"virtualMachineName"`
}

type virtualMACResponse struct {
	MacAddress string `json:"macAddress"`
}

// CreateVirtualIdentity allocates a virtual MAC bound to address inside block.
func (p *Provisioner) CreateVirtualIdentity(ctx context.Context, block, address, label string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := virtualMACRequest{IPAddress: address, Type: "ovh", VirtualMachineName: label}
	var res virtualMACResponse
	if err := p.api.PostWithContext(ctx, blockPath(block), req, &res); err != nil {
		return "", fmt.Errorf("%w: create virtual mac for %s: %w", fault.ErrNetworkProvisioning, address, err)
	}

	mac := strings.ToLower(strings.TrimSpace(res.MacAddress))
	if mac == "" {
		return "", fmt.Errorf("%w: allocator returned no mac for %s", fault.ErrNetworkProvisioning, address)
	}

	p.logger.Info().Str("address", address).Str("mac", mac).Msg("virtual mac created")
	return mac, nil
}

// DestroyVirtualIdentity removes a virtual MAC. Callers treat a failure as
// best effort cleanup.
func (p *Provisioner) DestroyVirtualIdentity(ctx context.Context, block, mac string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.api.DeleteWithContext(ctx, blockPath(block)+"/"+url.PathEscape(mac), nil); err != nil {
		return fmt.Errorf("%w: destroy virtual mac %s: %w", fault.ErrNetworkProvisioning, mac, err)
	}

	p.logger.Info().Str("mac", mac).Msg("virtual mac destroyed")
	return nil
}

func blockPath(block string) string {
	return "/ip/" + url.PathEscape(block) + "/virtualMac"
}
