package process

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/chhtz/tools-orocosrb/errors"
)

// DeploymentSpec describes an external process hosting one or more tasks
type DeploymentSpec struct {
	// Name identifies the process within the manager
	Name    string            `yaml:"name" validate:"required"`
	Command string            `yaml:"command" validate:"required"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`

	// Tasks lists the task names the process is expected to register
	Tasks []string `yaml:"tasks" validate:"min=1,unique,dive,required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the deployment is complete
func (s DeploymentSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.WrapInvalid(err, "DeploymentSpec", "Validate", fmt.Sprintf("deployment %q", s.Name))
	}
	return nil
}

// deploymentFile is the on-disk layout of a deployment list
type deploymentFile struct {
	Deployments []DeploymentSpec `yaml:"deployments"`
}

// LoadDeployments reads the deployment specs listed in a YAML file:
//
//	deployments:
//	  - name: camera_driver
//	    command: /usr/bin/camera_deployment
//	    tasks: [camera]
func LoadDeployments(path string) ([]DeploymentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "process", "LoadDeployments", "read "+path)
	}

	var file deploymentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapInvalid(err, "process", "LoadDeployments", "parse "+path)
	}

	seen := make(map[string]bool, len(file.Deployments))
	for _, spec := range file.Deployments {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, errors.WrapInvalid(fmt.Errorf("deployment %q listed twice", spec.Name),
				"process", "LoadDeployments", "validate "+path)
		}
		seen[spec.Name] = true
	}
	return file.Deployments, nil
}
