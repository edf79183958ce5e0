package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/teleproc/pkg/target"
	"github.com/hitzhangjie/teleproc/pkg/target/simproc"
)

func TestTargetArgv(t *testing.T) {
	argv, err := targetArgv([]string{"vm", "-Xms64m"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm", "-Xms64m"}, argv)

	argv, err = targetArgv(nil, `vm -cp 'a b' "c d"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"vm", "-cp", "a b", "c d"}, argv)

	_, err = targetArgv(nil, "")
	assert.Error(t, err)
	_, err = targetArgv([]string{"vm"}, "vm")
	assert.Error(t, err)
	_, err = targetArgv(nil, "vm `id`")
	assert.Error(t, err)
	_, err = targetArgv(nil, "vm | cat")
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	defer viper.Reset()

	viper.Set("backend", "sim")
	be, closeBackend, err := newBackend()
	require.NoError(t, err)
	defer closeBackend()
	assert.IsType(t, &simproc.Backend{}, be)

	viper.Set("backend", "bogus")
	_, _, err = newBackend()
	assert.Error(t, err)
}

func TestNewController(t *testing.T) {
	defer viper.Reset()

	viper.Set("policy.faults", []string{"access", "divide"})
	viper.Set("agent-port-env", "TELE_PORT")
	be := simproc.New()
	ctrl, lookup, err := newController(be, target.LaunchOptions{})
	require.NoError(t, err)
	assert.NotNil(t, lookup)

	h, err := ctrl.Create([]string{"vm"}, 7)
	require.NoError(t, err)
	p := be.Process(h.Pid())
	assert.Contains(t, p.Env(), "TELE_PORT=7")

	require.True(t, ctrl.Resume(h))
	faults := p.Installed().Faults
	assert.True(t, faults.Has(target.FaultAccess))
	assert.True(t, faults.Has(target.FaultIntDivide))
	assert.True(t, faults.Has(target.FaultWatch))

	viper.Set("policy.faults", []string{"nosuchfault"})
	_, _, err = newController(be, target.LaunchOptions{})
	assert.Error(t, err)
}
