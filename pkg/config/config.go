// Package config loads the daemon's project configuration file.
// Runtime tunables come in as flags; this file only describes the
// projects under test, which operators edit far more often.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Project configures one fleet under test.
type Project struct {
	Name          string   `yaml:"name"`
	ManifestRepo  string   `yaml:"manifest_repo"`
	UpstreamRepo  string   `yaml:"upstream_repo"`
	Branch        string   `yaml:"branch"`
	RepoDomain    string   `yaml:"repo_domain"`
	RepoToken     string   `yaml:"repo_token"`
	WebhookSecret string   `yaml:"webhook_secret"`
	DeviceTypes   []string `yaml:"device_types"`
}

// Config is the top-level document.
type Config struct {
	Projects []Project `yaml:"projects"`
}

// Load reads and validates the configuration at path.
func Load(path string) (Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	return Parse(buf)
}

// Parse validates a configuration document.
func Parse(buf []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(buf, &c); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	seen := map[string]bool{}
	for i, p := range c.Projects {
		if p.Name == "" {
			return Config{}, errors.Errorf("project %d has no name", i)
		}
		if seen[p.Name] {
			return Config{}, errors.Errorf("duplicate project %q", p.Name)
		}
		seen[p.Name] = true
		if p.ManifestRepo == "" {
			return Config{}, errors.Errorf("project %q has no manifest_repo", p.Name)
		}
		if p.Branch == "" {
			c.Projects[i].Branch = "master"
		}
	}
	return c, nil
}
