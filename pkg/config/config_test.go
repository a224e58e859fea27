package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/config"
)

func TestParse(t *testing.T) {
	doc := `
projects:
  - name: factory
    manifest_repo: https://source.example.com/factory/lmp-manifest.git
    upstream_repo: https://github.com/lmp/lmp-manifest.git
    repo_domain: source.example.com
    webhook_secret: hush
    device_types: [imx8mm, rpi4]
`
	c, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, c.Projects, 1)
	p := c.Projects[0]
	assert.Equal(t, "factory", p.Name)
	assert.Equal(t, "master", p.Branch, "branch defaults to master")
	assert.Equal(t, []string{"imx8mm", "rpi4"}, p.DeviceTypes)
}

func TestParseRejectsBadConfigs(t *testing.T) {
	for name, doc := range map[string]string{
		"no name":           "projects: [{manifest_repo: x}]",
		"no manifest":       "projects: [{name: p}]",
		"duplicate project": "projects: [{name: p, manifest_repo: x}, {name: p, manifest_repo: y}]",
		"unknown field":     "projects: [{name: p, manifest_repo: x, nope: 1}]",
	} {
		_, err := config.Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}
