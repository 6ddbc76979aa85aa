package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"accelnode/adxl345"
)

func newCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("backend", BackendSim, "")
	cmd.Flags().Int("bus", adxl345.DefaultAdapter, "")
	cmd.Flags().Uint16("address", adxl345.DefaultAddress, "")
	cmd.Flags().String("device", "", "")
	cmd.Flags().String("node-dir", DefaultNodeDir, "")
	cmd.Flags().Bool("debug", false, "")
	cmd.Flags().Bool("print", false, "")
	cmd.Flags().StringP("output", "o", DefaultConfig, "")
	cmd.Flags().BoolP("yes", "y", false, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseDefaults(t *testing.T) {
	t.Setenv(DefaultEnvPrefix+"_CONFIG", "")
	chdir(t, t.TempDir())

	desc := NewAccelNodeDesc()
	require.NoError(t, desc.Parse(newCmd(t)))
	assert.Equal(t, NewAccelNodeOpt(), desc.Opt)
	assert.NotNil(t, desc.Viper)

	cfg := desc.Opt.Accel()
	assert.Equal(t, adxl345.DefaultAdapter, cfg.Adapter)
	assert.Equal(t, uint16(adxl345.DefaultAddress), cfg.Address)
	assert.Equal(t, adxl345.DriverName, cfg.NodeName)
	assert.Equal(t, 50, cfg.Sampling.FilterThreshold)
}

func TestParseFileEnvAndFlags(t *testing.T) {
	p := writeConfig(t, `
bus:
  backend: bridge
  number: 3
  bridge:
    device: /dev/ttyUSB1
    driver: bugst
    bus: 2
sampling:
  wake_delay: 5ms
  poll_interval: 2ms
  filter_threshold: 10
`)
	t.Setenv(DefaultEnvPrefix+"_SAMPLING_FILTER_THRESHOLD", "20")

	desc := NewAccelNodeDesc()
	require.NoError(t, desc.Parse(newCmd(t, "--config", p, "--bus", "4")))

	assert.Equal(t, BackendBridge, desc.Opt.Bus.Backend)
	assert.Equal(t, 4, desc.Opt.Bus.Number, "flag beats file")
	assert.Equal(t, 20, desc.Opt.Sampling.FilterThreshold, "env beats file")
	assert.Equal(t, 5*time.Millisecond, desc.Opt.Sampling.WakeDelay)
	assert.Equal(t, 2*time.Millisecond, desc.Opt.Sampling.PollInterval)

	sc := desc.Opt.Serial()
	assert.Equal(t, "/dev/ttyUSB1", sc.Device)
	assert.Equal(t, "bugst", sc.Driver)
	assert.Equal(t, 250000, sc.Baud)
	assert.Equal(t, uint32(2), desc.Opt.BridgeConfig().Bus)
}

func TestParseConfigFromEnv(t *testing.T) {
	p := writeConfig(t, "node:\n  name: tilt\n")
	t.Setenv(DefaultEnvPrefix+"_CONFIG", p)

	desc := NewAccelNodeDesc()
	require.NoError(t, desc.Parse(newCmd(t)))
	assert.Equal(t, "tilt", desc.Opt.Node.Name)
}

func TestParseErrors(t *testing.T) {
	desc := NewAccelNodeDesc()
	err := desc.Parse(newCmd(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err, "an explicit config file must exist")

	p := writeConfig(t, "bus:\n  backend: spi\n")
	desc = NewAccelNodeDesc()
	err = desc.Parse(newCmd(t, "--config", p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spi")
}

func TestValidate(t *testing.T) {
	opt := NewAccelNodeOpt()
	require.NoError(t, opt.Validate())

	bad := opt
	bad.Bus.Address = 0x80
	assert.Error(t, bad.Validate())

	bad = opt
	bad.Node.Name = ""
	assert.Error(t, bad.Validate())

	bad = opt
	bad.Sampling.PollInterval = -time.Second
	assert.Error(t, bad.Validate())

	bad = opt
	bad.Sampling.FilterThreshold = -1
	assert.Error(t, bad.Validate())
}

func TestDumpOption(t *testing.T) {
	out := filepath.Join(t.TempDir(), "sub", "config.yaml")
	opt := NewAccelNodeOpt()
	require.NoError(t, DumpOption(opt, out, false))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var back AccelNodeOpt
	require.NoError(t, yaml.Unmarshal(raw, &back))
	assert.Equal(t, opt, back)

	assert.Error(t, DumpOption(opt, out, false), "refuses to overwrite")
	assert.NoError(t, DumpOption(opt, out, true))
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
