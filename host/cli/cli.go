// Package cli is the accelnoded command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"accelnode/accel"
	"accelnode/adxl345"
	"accelnode/chardev"
	"accelnode/host/config"
	"accelnode/host/i2ccore"
	"accelnode/host/mcu"
	"accelnode/host/node"
	"accelnode/i2c"
	"accelnode/protocol"
)

const AppName = "accelnoded"

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           AppName,
		Short:         "ADXL345 accelerometer node",
		Long:          "accelnoded binds an ADXL345 on an I2C bus and serves its samples as a readable node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := newServeCmd()
	BusCmdFlags(serve)
	serve.Flags().String("node-dir", config.DefaultNodeDir, "directory of the node sockets")
	root.AddCommand(serve)

	initCmd := newInitCmd()
	InitCmdFlags(initCmd)
	root.AddCommand(initCmd)

	probe := newProbeCmd()
	BusCmdFlags(probe)
	root.AddCommand(probe)

	dict := newDictCmd()
	BusCmdFlags(dict)
	dict.Flags().Bool("raw", false, "print the raw dictionary JSON")
	dict.Flags().Bool("status", false, "query the firmware config state")
	root.AddCommand(dict)

	return root
}

// BusCmdFlags adds the flags every bus-using command shares.
func BusCmdFlags(cmd *cobra.Command) {
	def := config.NewAccelNodeOpt()
	cmd.Flags().String("config", "", "configuration path")
	cmd.Flags().String("backend", def.Bus.Backend, "bus backend: sim, linux or bridge")
	cmd.Flags().Int("bus", def.Bus.Number, "adapter number")
	cmd.Flags().Uint16("address", def.Bus.Address, "7-bit device address")
	cmd.Flags().String("device", def.Bus.Bridge.Device, "serial device of the bridge firmware, or \"sim\"")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "configuration path")
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfig, "specify output path")
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:        "serve",
		SuggestFor: []string{"ru", "ser", "run"},
		Short:      "serve binds the accelerometer and serves its node",
		Long: `serve binds the accelerometer and serves its node, using the configuration found by the following order:
1. path specified in --config flag
2. path defined ACCELNODE_CONFIG environment variable
3. default location $HOME/.config/accelnode/config.yaml, /etc/accelnode/config.yaml, current directory
The parameters in the configuration file will be overwritten by the following order:
1. command line arguments
2. environment variables
`,
		Example: `  accelnoded serve --config=/path/to/config
  accelnoded serve --backend linux --bus 1 --address 0x1d
  accelnoded serve --backend bridge --device /dev/ttyACM0`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			desc, err := parse(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return Serve(ctx, desc.Opt)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:        "init",
		SuggestFor: []string{"ini", "in"},
		Short:      "init create a configuration template",
		Long: `init create a configuration template.
If --print flag is present, the configuration will be printed to stdout.
If --output / -o flag is present, the configuration will be saved to the path specified
Otherwise init will output configuration file to $HOME/.config/accelnode/config.yaml
If --yes / -y flag is present, an existing configuration will be overwritten
`,
		Example: `  accelnoded init --print
  accelnoded init -o /path/to/config.yaml -y`,
		RunE: config.InitCfg,
	}
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:        "probe",
		SuggestFor: []string{"pro", "pr", "prob"},
		Short:      "probe reads the device id of the configured address",
		Example:    `  accelnoded probe --backend linux --bus 1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			desc, err := parse(cmd)
			if err != nil {
				return err
			}
			return Probe(cmd.Context(), desc.Opt, cmd.OutOrStdout())
		},
	}
}

func newDictCmd() *cobra.Command {
	return &cobra.Command{
		Use:        "dict",
		SuggestFor: []string{"dic", "dictionary", "identify"},
		Short:      "dict prints the command dictionary of the bridge firmware",
		Example: `  accelnoded dict --device /dev/ttyACM0
  accelnoded dict --device sim --raw`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("backend") {
				_ = cmd.Flags().Set("backend", config.BackendBridge)
			}
			desc, err := parse(cmd)
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetBool("raw")
			status, _ := cmd.Flags().GetBool("status")
			return Dict(cmd.Context(), desc.Opt, cmd.OutOrStdout(), raw, status)
		},
	}
}

func parse(cmd *cobra.Command) (*config.AccelNodeDesc, error) {
	desc := config.NewAccelNodeDesc()
	if err := desc.Parse(cmd); err != nil {
		return nil, err
	}
	desc.PostParse()
	return &desc, nil
}

// Serve runs the node until ctx is done.
func Serve(ctx context.Context, opt config.AccelNodeOpt) error {
	logger := log.WithField("component", AppName)

	b, err := openBackend(ctx, opt, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	core := i2ccore.New(logger.WithField("component", "i2c-core"))
	if err := core.AddAdapter(opt.Bus.Number, b.name, b.bus, i2c.ClassHWMon); err != nil {
		return err
	}
	defer core.DelAdapter(opt.Bus.Number)

	table := chardev.NewTable()
	m, err := accel.Init(core, table, opt.Accel())
	if err != nil {
		return err
	}
	defer m.Exit()
	if !m.Bound() {
		return fmt.Errorf("%s did not bind on adapter %d at %#02x", adxl345.DriverName, opt.Bus.Number, opt.Bus.Address)
	}

	srv := node.NewServer(table, opt.Node.Dir, logger.WithField("component", "node"))
	logger.WithField("socket", node.SocketPath(opt.Node.Dir, opt.Node.Name)).Info("serving")
	err = srv.Serve(ctx)
	core.Shutdown()
	return err
}

// Probe reports the device id found at the configured address.
func Probe(ctx context.Context, opt config.AccelNodeOpt, w io.Writer) error {
	logger := log.WithField("component", AppName)

	b, err := openBackend(ctx, opt, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	core := i2ccore.New(logger.WithField("component", "i2c-core"))
	if err := core.AddAdapter(opt.Bus.Number, b.name, b.bus, 0); err != nil {
		return err
	}
	defer core.DelAdapter(opt.Bus.Number)

	client, err := i2c.NewClientDevice(core, opt.Bus.Number, i2c.NewBoardInfo(adxl345.DriverName, opt.Bus.Address))
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := adxl345.New(client).DeviceID()
	if err != nil {
		return fmt.Errorf("read device id: %w", err)
	}
	verdict := "ok"
	if id != adxl345.DeviceIDValue {
		verdict = "unexpected"
	}
	fmt.Fprintf(w, "%s: devid %#02x (%s)\n", client, id, verdict)
	return nil
}

// Dict identifies the bridge firmware and prints its dictionary.
func Dict(ctx context.Context, opt config.AccelNodeOpt, w io.Writer, raw, status bool) error {
	if opt.Bus.Backend != config.BackendBridge {
		return errors.New("dict needs the bridge backend")
	}
	logger := log.WithField("component", AppName)

	b, err := openMCU(ctx, opt, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	d := b.mcu.Dictionary()
	if raw {
		plain, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", plain)
	} else {
		d.Summary(w)
	}
	if status {
		return printStatus(ctx, b.mcu, w)
	}
	return nil
}

func printStatus(ctx context.Context, m *mcu.MCU, w io.Writer) error {
	resp, err := m.Query(ctx, "get_config", nil, "config", nil)
	if err != nil {
		return err
	}
	var isConfig, crc, isShutdown, moves uint32
	if err := protocol.DecodeArgs(&resp, &isConfig, &crc, &isShutdown, &moves); err != nil {
		return err
	}
	fmt.Fprintf(w, "is_config=%d crc=%#08x is_shutdown=%d move_count=%d\n", isConfig, crc, isShutdown, moves)
	return nil
}
