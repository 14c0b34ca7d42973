// Package config loads the process-wide Config from environment
// variables and flags, following the viper+pflag pattern
// CrlsMrls-dummybox/config/config.go uses: flags registered and bound
// into viper, environment read with AutomaticEnv, then validated once.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every value the process reads once at startup. The six
// fields in the first block are the fixed environment variable names
// spec.md §6 mandates; everything below is an ambient knob the original
// hardcodes but this rewrite makes configurable.
type Config struct {
	WorkerPort   string `mapstructure:"worker-port"`
	PublicIPAddr string `mapstructure:"public-ipaddr"`
	UseSSL       bool   `mapstructure:"use-ssl"`
	ContainerID  int    `mapstructure:"container-id"`
	ReportAddr   string `mapstructure:"report-addr"`
	ModelLog     string `mapstructure:"model-log"`

	LogLevel        string `mapstructure:"log-level"`
	ModelServerAddr string `mapstructure:"model-server-addr"`
	AllowParallel   bool   `mapstructure:"allow-parallel-requests"`
	BenchmarkFile   string `mapstructure:"benchmark-file"`
	TLSCertFile     string `mapstructure:"tls-cert-file"`
	TLSKeyFile      string `mapstructure:"tls-key-file"`
	PublicKeyURL    string `mapstructure:"public-key-url"`
	Adapter         string `mapstructure:"adapter"`
}

// New builds a Config from flags, environment variables, and defaults,
// then validates it.
func New(args []string) (*Config, error) {
	v := viper.New()
	fs := pflag.NewFlagSet("pyworker", pflag.ContinueOnError)

	fs.String("worker-port", "", "logical port name; actual port read from VAST_TCP_PORT_<name>")
	fs.String("public-ipaddr", "127.0.0.1", "advertised host")
	fs.Bool("use-ssl", false, "serve HTTPS using /etc/instance.crt and /etc/instance.key")
	fs.Int("container-id", 0, "node id reported to the autoscaler")
	fs.String("report-addr", "", "base URL of the autoscaler")
	fs.String("model-log", "", "path of the model server log file to tail")

	fs.String("log-level", "info", "logging level (debug, info, warn, error)")
	fs.String("model-server-addr", "http://127.0.0.1:8000", "base URL of the co-located model server")
	fs.Bool("allow-parallel-requests", false, "bypass the admission gate when the model server accepts concurrent requests")
	fs.String("benchmark-file", ".has_benchmark", "path of the persisted benchmark result")
	fs.String("tls-cert-file", "/etc/instance.crt", "TLS certificate path, used when use-ssl is set")
	fs.String("tls-key-file", "/etc/instance.key", "TLS key path, used when use-ssl is set")
	fs.String("public-key-url", "https://run.vast.ai/pubkey/", "control plane public key distribution endpoint")
	fs.String("adapter", "helloworld", "which demo Endpoint Adapter to serve (helloworld, tgi)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: binding flags: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	bindEnv(v, "worker-port", "WORKER_PORT")
	bindEnv(v, "public-ipaddr", "PUBLIC_IPADDR")
	bindEnv(v, "use-ssl", "USE_SSL")
	bindEnv(v, "container-id", "CONTAINER_ID")
	bindEnv(v, "report-addr", "REPORT_ADDR")
	bindEnv(v, "model-log", "MODEL_LOG")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

// WorkerPortEnv is the environment variable carrying the numeric port,
// named indirectly via WorkerPort per spec.md §6.
func (c *Config) WorkerPortEnv() string {
	return "VAST_TCP_PORT_" + c.WorkerPort
}

// Port resolves the numeric listen port from VAST_TCP_PORT_<WorkerPort>.
func (c *Config) Port() (int, error) {
	raw := os.Getenv(c.WorkerPortEnv())
	if raw == "" {
		return 0, fmt.Errorf("config: %s is not set", c.WorkerPortEnv())
	}
	var port int
	if _, err := fmt.Sscanf(raw, "%d", &port); err != nil {
		return 0, fmt.Errorf("config: %s is not a valid port: %w", c.WorkerPortEnv(), err)
	}
	return port, nil
}

// AdvertisedURL is the self-reported worker URL sent to the autoscaler.
func (c *Config) AdvertisedURL() (string, error) {
	port, err := c.Port()
	if err != nil {
		return "", err
	}
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.PublicIPAddr, port), nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.ReportAddr == "" {
		return fmt.Errorf("report-addr (REPORT_ADDR) must be set")
	}
	if c.ModelLog == "" {
		return fmt.Errorf("model-log (MODEL_LOG) must be set")
	}
	if c.PublicIPAddr == "" {
		return fmt.Errorf("public-ipaddr (PUBLIC_IPADDR) must be set")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.UseSSL && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("use-ssl requires both tls-cert-file and tls-key-file")
	}
	if c.Adapter != "helloworld" && c.Adapter != "tgi" {
		return fmt.Errorf("invalid adapter: %s", c.Adapter)
	}
	return nil
}
