package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	DispatchInline = "inline"
	DispatchBus    = "bus"
)

// Config holds runtime configuration for the vpsd services.
type Config struct {
	Addr         string `env:"ADDR,default=:8080"`
	DBDSN        string `env:"DB_DSN,required"`
	NATSURL      string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	Dispatch     string `env:"PROVISION_DISPATCH,default=inline"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`

	Stripe   StripeConfig
	OVH      OVHConfig
	Proxmox  ProxmoxConfig
	Timeouts TimeoutConfig
	Reports  ReportConfig

	// AgeIdentity seals credentials carried on the bus. Required in bus mode.
	AgeIdentity string `env:"AGE_SECRET_KEY"`
	// ControlRateLimit is the number of power actions a client may issue per minute.
	ControlRateLimit int `env:"CONTROL_RATE_LIMIT,default=30"`
}

type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

type OVHConfig struct {
	Endpoint    string `env:"OVH_ENDPOINT,default=ovh-eu"`
	AppKey      string `env:"OVH_APP_KEY,required"`
	AppSecret   string `env:"OVH_APP_SECRET,required"`
	ConsumerKey string `env:"OVH_CONSUMER_KEY,required"`
}

type ProxmoxConfig struct {
	Host          string            `env:"PVE_HOST,required"`
	TokenID       string            `env:"PVE_TOKEN_ID,required"`
	TokenSecret   string            `env:"PVE_TOKEN_SECRET,required"`
	InsecureTLS   bool              `env:"PVE_INSECURE_TLS,default=false"`
	Node          string            `env:"PVE_NODE,required"`
	LocationNodes map[string]string `env:"PVE_LOCATION_NODES"`
	Bridge        string            `env:"PVE_BRIDGE,default=vmbr0"`
	Disk          string            `env:"PVE_DISK,default=scsi0"`
}

type TimeoutConfig struct {
	Call    time.Duration `env:"PROVISION_CALL_TIMEOUT,default=2m"`
	Clone   time.Duration `env:"PROVISION_CLONE_TIMEOUT,default=10m"`
	Control time.Duration `env:"CONTROL_TIMEOUT,default=1m"`
}

// ReportConfig points at the S3-compatible store that archives run reports.
// Archiving is disabled when Bucket is empty.
type ReportConfig struct {
	Bucket         string `env:"REPORT_BUCKET"`
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks rules that span several fields.
func (c Config) Validate() error {
	switch strings.ToLower(c.Dispatch) {
	case DispatchInline:
	case DispatchBus:
		if strings.TrimSpace(c.AgeIdentity) == "" {
			return errors.New("AGE_SECRET_KEY is required when PROVISION_DISPATCH=bus")
		}
	default:
		return fmt.Errorf("invalid PROVISION_DISPATCH %q", c.Dispatch)
	}

	if c.Timeouts.Call <= 0 || c.Timeouts.Clone <= 0 || c.Timeouts.Control <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Reports.Bucket != "" && (c.Reports.Endpoint == "" || c.Reports.AccessKey == "" || c.Reports.SecretKey == "") {
		return errors.New("S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required when REPORT_BUCKET is set")
	}
	if c.ControlRateLimit <= 0 {
		return errors.New("CONTROL_RATE_LIMIT must be positive")
	}
	return nil
}

// NodeFor returns the hypervisor node serving a location.
func (p ProxmoxConfig) NodeFor(location string) string {
	if node, ok := p.LocationNodes[location]; ok && node != "" {
		return node
	}
	return p.Node
}
