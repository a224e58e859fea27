// Package testplan loads and resolves the declarative plans that say
// which test jobs run for which device types, and renders the job
// definitions the lab consumes.
package testplan

import (
	"bytes"
	"io/ioutil"
	"text/template"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// JobKind is the closed set of roles a test job can play. The kind
// decides scheduling order: provisioning jobs gate everything else,
// upgrade and rollback jobs run only against a released build.
type JobKind string

const (
	KindProvisioning JobKind = "provisioning"
	KindUpgrade      JobKind = "upgrade"
	KindRollback     JobKind = "rollback"
)

func (k JobKind) valid() bool {
	switch k {
	case KindProvisioning, KindUpgrade, KindRollback:
		return true
	}
	return false
}

// Dependent reports whether the job waits for the provisioning gate.
func (k JobKind) Dependent() bool { return k != KindProvisioning }

// Job is one entry in a plan. The definition is a template expanded
// per build and device type.
type Job struct {
	Name        string   `yaml:"name"`
	Kind        JobKind  `yaml:"kind"`
	DeviceTypes []string `yaml:"device_types"`
	Timeout     int      `yaml:"timeout"`
	Definition  string   `yaml:"definition"`
}

// AppliesTo reports whether the job runs on the given device type. An
// empty device list means every type in the plan.
func (j Job) AppliesTo(deviceType string) bool {
	if len(j.DeviceTypes) == 0 {
		return true
	}
	for _, dt := range j.DeviceTypes {
		if dt == deviceType {
			return true
		}
	}
	return false
}

// Plan is a named set of jobs over a set of device types.
type Plan struct {
	Name        string   `yaml:"name"`
	DeviceTypes []string `yaml:"device_types"`
	Jobs        []Job    `yaml:"jobs"`
}

// Load reads and validates a plan file.
func Load(path string) (Plan, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return Plan{}, errors.Wrap(err, "reading plan")
	}
	return Parse(buf)
}

// Parse validates a plan document.
func Parse(buf []byte) (Plan, error) {
	var p Plan
	if err := yaml.UnmarshalStrict(buf, &p); err != nil {
		return Plan{}, errors.Wrap(err, "parsing plan")
	}
	if p.Name == "" {
		return Plan{}, errors.New("plan has no name")
	}
	if len(p.DeviceTypes) == 0 {
		return Plan{}, errors.New("plan names no device types")
	}
	seen := map[string]bool{}
	for _, j := range p.Jobs {
		if j.Name == "" {
			return Plan{}, errors.New("plan job has no name")
		}
		if seen[j.Name] {
			return Plan{}, errors.Errorf("duplicate job %q", j.Name)
		}
		seen[j.Name] = true
		if !j.Kind.valid() {
			return Plan{}, errors.Errorf("job %q has unknown kind %q", j.Name, j.Kind)
		}
		if j.Definition == "" {
			return Plan{}, errors.Errorf("job %q has no definition", j.Name)
		}
	}
	return p, nil
}

// Applicable returns the plan's jobs for one device type, in plan
// order, optionally filtered to one kind phase.
func (p Plan) Applicable(deviceType string, dependent bool) []Job {
	var out []Job
	for _, j := range p.Jobs {
		if j.Kind.Dependent() == dependent && j.AppliesTo(deviceType) {
			out = append(out, j)
		}
	}
	return out
}

// Context carries the per-build values a definition template can use.
type Context struct {
	Project       string
	BuildID       int64
	BuildURL      string
	CommitID      string
	TargetBuildID int64 // released build an upgrade job installs
	DeviceType    string
	JobName       string
	Timeout       int
}

// Render expands the job's definition template.
func (j Job) Render(ctx Context) (string, error) {
	ctx.JobName = j.Name
	if ctx.Timeout == 0 {
		ctx.Timeout = j.Timeout
	}
	tmpl, err := template.New(j.Name).Option("missingkey=error").Parse(j.Definition)
	if err != nil {
		return "", errors.Wrapf(err, "parsing definition of %q", j.Name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", errors.Wrapf(err, "rendering definition of %q", j.Name)
	}
	return buf.String(), nil
}
