package transport

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ProviderType names a remote archive backend
type ProviderType string

const (
	ProviderLocal ProviderType = "local"
	ProviderS3    ProviderType = "s3"
	ProviderAzure ProviderType = "azure"
	ProviderGCS   ProviderType = "gcs"
)

// Config selects and configures the remote archive
type Config struct {
	Provider ProviderType `mapstructure:"provider" yaml:"provider"`
	Prefix   string       `mapstructure:"prefix" yaml:"prefix"`
	Local    *LocalConfig `mapstructure:"local" yaml:"local,omitempty"`
	S3       *S3Config    `mapstructure:"s3" yaml:"s3,omitempty"`
	Azure    *AzureConfig `mapstructure:"azure" yaml:"azure,omitempty"`
	GCS      *GCSConfig   `mapstructure:"gcs" yaml:"gcs,omitempty"`
	Retry    RetryConfig  `mapstructure:"retry" yaml:"retry"`
	// Passphrase enables client-side segment encryption when set
	Passphrase string `mapstructure:"passphrase" yaml:"-"`
}

// LocalConfig for a directory acting as the remote archive
type LocalConfig struct {
	BasePath    string      `mapstructure:"base_path" yaml:"base_path"`
	Permissions os.FileMode `mapstructure:"permissions" yaml:"permissions"`
}

// S3Config for Amazon S3 and compatible services
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

// RetryConfig controls retries of uploads and downloads
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// SetDefaults fills in unset values
func (c *Config) SetDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderLocal
	}
	c.Provider = ProviderType(strings.ToLower(string(c.Provider)))

	switch c.Provider {
	case ProviderLocal:
		if c.Local == nil {
			c.Local = &LocalConfig{}
		}
		if c.Local.BasePath == "" {
			c.Local.BasePath = "./archive"
		}
		if c.Local.Permissions == 0 {
			c.Local.Permissions = 0755
		}
	case ProviderS3:
		if c.S3 == nil {
			c.S3 = &S3Config{}
		}
		if c.S3.Region == "" {
			c.S3.Region = "us-east-1"
		}
	case ProviderAzure:
		if c.Azure == nil {
			c.Azure = &AzureConfig{}
		}
	case ProviderGCS:
		if c.GCS == nil {
			c.GCS = &GCSConfig{}
		}
		if c.GCS.CredentialsPath == "" {
			c.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
}

// Validate checks the selected provider has what it needs
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderLocal:
		if c.Local == nil || c.Local.BasePath == "" {
			return fmt.Errorf("local storage requires base_path")
		}
	case ProviderS3:
		return c.S3.Validate()
	case ProviderAzure:
		return c.Azure.Validate()
	case ProviderGCS:
		return c.GCS.Validate()
	default:
		return fmt.Errorf("unsupported storage provider: %s", c.Provider)
	}
	return nil
}

// Validate checks required S3 settings
func (s *S3Config) Validate() error {
	if s == nil {
		return fmt.Errorf("S3 storage configuration is required")
	}
	if s.Bucket == "" {
		return fmt.Errorf("S3 bucket is required")
	}
	if s.Region == "" {
		return fmt.Errorf("S3 region is required")
	}
	if s.AccessKey == "" || s.SecretKey == "" {
		return fmt.Errorf("S3 access key and secret key are required")
	}
	return nil
}

// Validate checks required Azure settings
func (a *AzureConfig) Validate() error {
	if a == nil {
		return fmt.Errorf("Azure storage configuration is required")
	}
	if a.AccountName == "" || a.AccountKey == "" {
		return fmt.Errorf("Azure account name and key are required")
	}
	if a.ContainerName == "" {
		return fmt.Errorf("Azure container name is required")
	}
	return nil
}

// Validate checks required GCS settings
func (g *GCSConfig) Validate() error {
	if g == nil {
		return fmt.Errorf("GCS storage configuration is required")
	}
	if g.Bucket == "" {
		return fmt.Errorf("GCS bucket is required")
	}
	return nil
}
