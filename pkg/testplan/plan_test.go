package testplan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/testplan"
)

const planDoc = `
name: ota
device_types: [imx8mm, rpi4]
jobs:
  - name: provision
    kind: provisioning
    timeout: 30
    definition: |
      job_name: {{.JobName}}
      device_type: {{.DeviceType}}
      build: {{.BuildID}}
  - name: upgrade
    kind: upgrade
    definition: |
      job_name: {{.JobName}}
      from: {{.BuildID}}
      to: {{.TargetBuildID}}
  - name: rollback
    kind: rollback
    device_types: [imx8mm]
    definition: "job_name: {{.JobName}}"
`

func TestParse(t *testing.T) {
	plan, err := testplan.Parse([]byte(planDoc))
	require.NoError(t, err)
	assert.Equal(t, "ota", plan.Name)
	require.Len(t, plan.Jobs, 3)
	assert.Equal(t, testplan.KindProvisioning, plan.Jobs[0].Kind)
	assert.False(t, plan.Jobs[0].Kind.Dependent())
	assert.True(t, plan.Jobs[1].Kind.Dependent())
}

func TestParseRejectsBadPlans(t *testing.T) {
	for name, doc := range map[string]string{
		"no name":         "device_types: [x]\njobs: []",
		"no device types": "name: p\njobs: []",
		"unknown kind":    "name: p\ndevice_types: [x]\njobs: [{name: j, kind: smoke, definition: d}]",
		"no definition":   "name: p\ndevice_types: [x]\njobs: [{name: j, kind: upgrade}]",
		"duplicate job":   "name: p\ndevice_types: [x]\njobs: [{name: j, kind: upgrade, definition: d}, {name: j, kind: rollback, definition: d}]",
		"unknown field":   "name: p\ndevice_types: [x]\nextra: true\njobs: []",
	} {
		_, err := testplan.Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestApplicableSplitsPhases(t *testing.T) {
	plan, err := testplan.Parse([]byte(planDoc))
	require.NoError(t, err)

	provisioning := plan.Applicable("rpi4", false)
	require.Len(t, provisioning, 1)
	assert.Equal(t, "provision", provisioning[0].Name)

	// rollback is restricted to imx8mm
	dependent := plan.Applicable("rpi4", true)
	require.Len(t, dependent, 1)
	assert.Equal(t, "upgrade", dependent[0].Name)

	dependent = plan.Applicable("imx8mm", true)
	require.Len(t, dependent, 2)
	assert.Equal(t, "upgrade", dependent[0].Name)
	assert.Equal(t, "rollback", dependent[1].Name)
}

func TestRender(t *testing.T) {
	plan, err := testplan.Parse([]byte(planDoc))
	require.NoError(t, err)

	def, err := plan.Jobs[1].Render(testplan.Context{
		Project:       "factory",
		BuildID:       41,
		TargetBuildID: 42,
		DeviceType:    "imx8mm",
	})
	require.NoError(t, err)
	assert.Contains(t, def, "job_name: upgrade")
	assert.Contains(t, def, "from: 41")
	assert.Contains(t, def, "to: 42")
}

func TestRenderFailsOnBadTemplate(t *testing.T) {
	job := testplan.Job{Name: "broken", Kind: testplan.KindUpgrade, Definition: "{{.Nope"}
	_, err := job.Render(testplan.Context{})
	assert.Error(t, err)
}
