package infra

import (
	"fmt"
	"net"
)

// Config holds all parameters needed to provision the topology. Anything not
// listed here is a fixed property of the perimeter (see policy.go) rather
// than a tunable.
type Config struct {
	Region string

	// Network
	VpcCidr           string
	AvailabilityZones int

	// Inference pool
	Model         string
	AmiID         string
	InstanceType  string
	RootVolumeGiB int
	MinSize       int
	MaxSize       int
	DesiredSize   int

	// Name of the pre-created Secrets Manager secret holding the
	// HuggingFace token. Instances read it at boot; it is never baked
	// into declarative state.
	HFTokenSecretName string

	// Front end
	WebImage          string
	DesiredCount      int
	MinHealthyPercent int
	MaxPercent        int

	// Edge origin authentication
	OriginHeaderName string
}

func DefaultConfig() *Config {
	return &Config{
		Region:            "us-east-1",
		VpcCidr:           "10.0.0.0/16",
		AvailabilityZones: 2,
		Model:             "google/medgemma-4b-it",
		AmiID:             "ami-0fcdcdcc9cf0407ae", // Deep Learning OSS Nvidia Driver AMI GPU PyTorch 2.6 (Ubuntu 22.04)
		InstanceType:      "g5.xlarge",
		RootVolumeGiB:     70,
		MinSize:           1,
		MaxSize:           2,
		DesiredSize:       1,
		HFTokenSecretName: "HuggingFaceToken",
		WebImage:          "ghcr.io/open-webui/open-webui:main",
		DesiredCount:      1,
		MinHealthyPercent: 100,
		MaxPercent:        200,
		OriginHeaderName:  "X-Origin-Verify",
	}
}

// Validate rejects configuration errors before any resource mutation is
// attempted.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region must not be empty")
	}
	if _, _, err := net.ParseCIDR(c.VpcCidr); err != nil {
		return fmt.Errorf("invalid vpc cidr %q: %w", c.VpcCidr, err)
	}
	if c.AvailabilityZones < 2 {
		return fmt.Errorf("at least 2 availability zones required, got %d", c.AvailabilityZones)
	}
	if c.MinSize < 1 {
		return fmt.Errorf("compute pool min size must be >= 1, got %d", c.MinSize)
	}
	if c.MinSize > c.DesiredSize || c.DesiredSize > c.MaxSize {
		return fmt.Errorf("compute pool bounds must satisfy min <= desired <= max, got %d/%d/%d",
			c.MinSize, c.DesiredSize, c.MaxSize)
	}
	if c.AmiID == "" {
		return fmt.Errorf("ami id must not be empty")
	}
	if c.HFTokenSecretName == "" {
		return fmt.Errorf("huggingface token secret name must not be empty")
	}
	if c.DesiredCount < 1 {
		return fmt.Errorf("desired count must be >= 1, got %d", c.DesiredCount)
	}
	if c.MinHealthyPercent < 0 || c.MinHealthyPercent > 100 {
		return fmt.Errorf("min healthy percent must be within [0,100], got %d", c.MinHealthyPercent)
	}
	if c.MaxPercent < 100 {
		return fmt.Errorf("max percent must be >= 100, got %d", c.MaxPercent)
	}
	if c.OriginHeaderName == "" {
		return fmt.Errorf("origin header name must not be empty")
	}
	return nil
}
