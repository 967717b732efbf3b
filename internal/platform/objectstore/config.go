package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charity-dao/provisioner/internal/platform/env"
)

// Config describes the S3-compatible bucket that receives run reports.
// Publishing is disabled when Endpoint is empty.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("REPORT_S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("REPORT_S3_ENDPOINT", ""),
		AccessKey: env.String("REPORT_S3_ACCESS_KEY", ""),
		SecretKey: env.String("REPORT_S3_SECRET_KEY", ""),
		Region:    env.String("REPORT_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("REPORT_S3_BUCKET", "provisioning-reports"),
		Prefix:    env.String("REPORT_S3_PREFIX", "runs/"),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// Key places an object under the configured prefix.
func (c Config) Key(name string) string {
	prefix := strings.TrimSpace(c.Prefix)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + strings.TrimPrefix(name, "/")
}
