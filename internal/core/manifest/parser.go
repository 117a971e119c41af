// Package manifest parses the declarative deploy manifest. The manifest is
// the request body format for creating a deployment from a file; it maps
// one-to-one onto a deploy request and carries no runtime state.
package manifest

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

// ErrMalformed is returned when the manifest is not valid YAML or uses
// unknown fields.
var ErrMalformed = errors.New("malformed manifest")

// ParseError describes a manifest that could not be parsed.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse manifest: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Manifest is the declarative deployment description.
//
//	project: shop-api
//	environment: staging
//	version: v1.4.2
//	port: 8080
//	health_path: /healthz
//	resources:
//	  cpu_cores: 0.5
//	  memory_mb: 256
//	scaling:
//	  min_replicas: 1
//	  max_replicas: 3
//	env:
//	  LOG_LEVEL: info
type Manifest struct {
	Project     string            `yaml:"project"`
	Environment string            `yaml:"environment"`
	Version     string            `yaml:"version"`
	Port        int               `yaml:"port"`
	HealthPath  string            `yaml:"health_path"`
	Resources   ResourcesSection  `yaml:"resources"`
	Scaling     ScalingSection    `yaml:"scaling"`
	Env         map[string]string `yaml:"env"`
}

type ResourcesSection struct {
	CPUCores float64 `yaml:"cpu_cores"`
	MemoryMB int64   `yaml:"memory_mb"`
	DiskMB   int64   `yaml:"disk_mb"`
}

type ScalingSection struct {
	MinReplicas int `yaml:"min_replicas"`
	MaxReplicas int `yaml:"max_replicas"`
}

// Parse reads a manifest. Unknown fields are rejected so typos fail loudly
// instead of silently deploying with defaults.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, &ParseError{Message: err.Error(), Err: ErrMalformed}
	}
	return &m, nil
}

// Config converts the manifest's configuration sections to the domain form.
// Semantic validation happens in the domain layer.
func (m *Manifest) Config() domain.Config {
	return domain.Config{
		Resources: domain.Resources{
			CPUCores: m.Resources.CPUCores,
			MemoryMB: m.Resources.MemoryMB,
			DiskMB:   m.Resources.DiskMB,
		},
		Scaling: domain.Scaling{
			MinReplicas: m.Scaling.MinReplicas,
			MaxReplicas: m.Scaling.MaxReplicas,
		},
		Env:        m.Env,
		Port:       m.Port,
		HealthPath: m.HealthPath,
	}
}
