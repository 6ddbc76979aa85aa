package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"accelnode/accel"
	"accelnode/adxl345"
	"accelnode/chardev"
	"accelnode/host/bridge"
	"accelnode/host/serial"
)

const DefaultAppName = "accelnode"
const DefaultConfigName = "config"
const DefaultEnvPrefix = "ACCELNODE"
const DefaultNodeDir = "/run/" + DefaultAppName

// Bus backends
const (
	BackendSim    = "sim"
	BackendLinux  = "linux"
	BackendBridge = "bridge"
)

var userHomeDir, _ = os.UserHomeDir()
var DefaultConfig = path.Join(userHomeDir, ".config", DefaultAppName, DefaultConfigName+".yaml")
var DefaultConfigSearchPath0 = path.Join(userHomeDir, ".config", DefaultAppName)

const DefaultConfigSearchPath1 = "/etc/" + DefaultAppName
const DefaultConfigSearchPath2 = "./"

type BridgeOpt struct {
	Device string `yaml:"device" mapstructure:"device"`
	Baud   int    `yaml:"baud" mapstructure:"baud"`
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Bus is the firmware's I2C bus number, Rate its clock in Hz.
	Bus  uint32 `yaml:"bus" mapstructure:"bus"`
	Rate uint32 `yaml:"rate" mapstructure:"rate"`
}

type BusOpt struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	Number  int    `yaml:"number" mapstructure:"number"`
	Address uint16 `yaml:"address" mapstructure:"address"`
	// Speed in Hz for the linux backend, 0 keeps the bus default.
	Speed  int64     `yaml:"speed" mapstructure:"speed"`
	Bridge BridgeOpt `yaml:"bridge" mapstructure:"bridge"`
}

type NodeOpt struct {
	Name  string `yaml:"name" mapstructure:"name"`
	Dir   string `yaml:"dir" mapstructure:"dir"`
	Minor uint16 `yaml:"minor" mapstructure:"minor"`
}

type SamplingOpt struct {
	WakeDelay       time.Duration `yaml:"wake_delay" mapstructure:"wake_delay"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	FilterThreshold int           `yaml:"filter_threshold" mapstructure:"filter_threshold"`
}

type AccelNodeOpt struct {
	Bus      BusOpt      `yaml:"bus" mapstructure:"bus"`
	Node     NodeOpt     `yaml:"node" mapstructure:"node"`
	Sampling SamplingOpt `yaml:"sampling" mapstructure:"sampling"`
	Debug    bool        `yaml:"debug" mapstructure:"debug"`
}

type AccelNodeDesc struct {
	Opt   AccelNodeOpt
	Viper *viper.Viper
}

func NewAccelNodeDesc() AccelNodeDesc {
	return AccelNodeDesc{
		Opt:   NewAccelNodeOpt(),
		Viper: nil,
	}
}

func NewAccelNodeOpt() AccelNodeOpt {
	sampling := chardev.DefaultConfig()
	return AccelNodeOpt{
		Bus: BusOpt{
			Backend: BackendSim,
			Number:  adxl345.DefaultAdapter,
			Address: adxl345.DefaultAddress,
			Bridge: BridgeOpt{
				Device: "/dev/ttyACM0",
				Baud:   250000,
				Driver: serial.DriverTarm,
				Rate:   bridge.DefaultRate,
			},
		},
		Node: NodeOpt{
			Name: adxl345.DriverName,
			Dir:  DefaultNodeDir,
		},
		Sampling: SamplingOpt{
			WakeDelay:       sampling.WakeDelay,
			PollInterval:    sampling.PollInterval,
			FilterThreshold: sampling.FilterThreshold,
		},
	}
}

func setDefaults(v *viper.Viper, opt AccelNodeOpt) {
	v.SetDefault("bus.backend", opt.Bus.Backend)
	v.SetDefault("bus.number", opt.Bus.Number)
	v.SetDefault("bus.address", opt.Bus.Address)
	v.SetDefault("bus.speed", opt.Bus.Speed)
	v.SetDefault("bus.bridge.device", opt.Bus.Bridge.Device)
	v.SetDefault("bus.bridge.baud", opt.Bus.Bridge.Baud)
	v.SetDefault("bus.bridge.driver", opt.Bus.Bridge.Driver)
	v.SetDefault("bus.bridge.bus", opt.Bus.Bridge.Bus)
	v.SetDefault("bus.bridge.rate", opt.Bus.Bridge.Rate)
	v.SetDefault("node.name", opt.Node.Name)
	v.SetDefault("node.dir", opt.Node.Dir)
	v.SetDefault("node.minor", opt.Node.Minor)
	v.SetDefault("sampling.wake_delay", opt.Sampling.WakeDelay)
	v.SetDefault("sampling.poll_interval", opt.Sampling.PollInterval)
	v.SetDefault("sampling.filter_threshold", opt.Sampling.FilterThreshold)
	v.SetDefault("debug", opt.Debug)
}

// Parse loads the configuration, in increasing precedence: defaults, the
// config file, ACCELNODE_* environment variables, command line flags.
func (o *AccelNodeDesc) Parse(cmd *cobra.Command) error {
	vipCfg := viper.New()
	setDefaults(vipCfg, NewAccelNodeOpt())

	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		configFile = os.Getenv(DefaultEnvPrefix + "_CONFIG")
	}
	if configFile != "" {
		vipCfg.SetConfigFile(configFile)
	} else {
		vipCfg.SetConfigName(DefaultConfigName)
		vipCfg.SetConfigType("yaml")
		vipCfg.AddConfigPath(DefaultConfigSearchPath0)
		vipCfg.AddConfigPath(DefaultConfigSearchPath1)
		vipCfg.AddConfigPath(DefaultConfigSearchPath2)
	}

	vipCfg.SetEnvPrefix(DefaultEnvPrefix)
	vipCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vipCfg.AutomaticEnv()

	_ = vipCfg.BindPFlag("bus.backend", cmd.Flags().Lookup("backend"))
	_ = vipCfg.BindPFlag("bus.number", cmd.Flags().Lookup("bus"))
	_ = vipCfg.BindPFlag("bus.address", cmd.Flags().Lookup("address"))
	_ = vipCfg.BindPFlag("bus.bridge.device", cmd.Flags().Lookup("device"))
	_ = vipCfg.BindPFlag("node.dir", cmd.Flags().Lookup("node-dir"))
	_ = vipCfg.BindPFlag("debug", cmd.Flags().Lookup("debug"))

	if err := vipCfg.ReadInConfig(); err == nil {
		log.Debugln("using config file:", vipCfg.ConfigFileUsed())
	} else {
		// Only a missing file in the search path is fine.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		log.Debugln("no config file, using defaults")
	}

	if err := vipCfg.Unmarshal(&o.Opt); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := o.Opt.Validate(); err != nil {
		return err
	}

	o.Viper = vipCfg
	return nil
}

func (o *AccelNodeDesc) PostParse() {
	if o.Opt.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// Validate checks values that would otherwise fail late.
func (o AccelNodeOpt) Validate() error {
	switch o.Bus.Backend {
	case BackendSim, BackendLinux, BackendBridge:
	default:
		return fmt.Errorf("unknown bus backend %q", o.Bus.Backend)
	}
	if o.Bus.Address > 0x7F {
		return fmt.Errorf("bus address %#x is not a 7-bit address", o.Bus.Address)
	}
	if o.Node.Name == "" {
		return errors.New("node name is empty")
	}
	if o.Sampling.WakeDelay < 0 || o.Sampling.PollInterval < 0 {
		return errors.New("sampling delays must not be negative")
	}
	if o.Sampling.FilterThreshold < 0 {
		return errors.New("filter threshold must not be negative")
	}
	return nil
}

// Accel returns the driver configuration.
func (o AccelNodeOpt) Accel() accel.Config {
	return accel.Config{
		Adapter:  o.Bus.Number,
		Address:  o.Bus.Address,
		NodeName: o.Node.Name,
		Minor:    o.Node.Minor,
		Sampling: chardev.Config{
			WakeDelay:       o.Sampling.WakeDelay,
			PollInterval:    o.Sampling.PollInterval,
			FilterThreshold: o.Sampling.FilterThreshold,
		},
	}
}

// Serial returns the serial settings of the bridge backend.
func (o AccelNodeOpt) Serial() *serial.Config {
	cfg := serial.DefaultConfig(o.Bus.Bridge.Device)
	cfg.Baud = o.Bus.Bridge.Baud
	cfg.Driver = o.Bus.Bridge.Driver
	return cfg
}

// BridgeConfig returns the firmware bus settings of the bridge backend.
func (o AccelNodeOpt) BridgeConfig() bridge.Config {
	return bridge.Config{Bus: o.Bus.Bridge.Bus, Rate: o.Bus.Bridge.Rate}
}

// InitCfg writes a configuration template, or prints it with --print.
func InitCfg(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwriteFlag, _ := cmd.Flags().GetBool("yes")

	desc := NewAccelNodeDesc()
	if err := desc.Parse(cmd); err != nil {
		log.Errorln(err)
		return err
	}

	if printFlag {
		configBuffer, err := yaml.Marshal(desc.Opt)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(configBuffer))
		return nil
	}
	return DumpOption(desc.Opt, outputPath, overwriteFlag)
}

// DumpOption writes opt as YAML to outputPath. An existing file is only
// replaced when overwrite is set.
func DumpOption(opt any, outputPath string, overwrite bool) error {
	buffer, err := yaml.Marshal(opt)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(path.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", path.Dir(outputPath), err)
	}
	if !overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("configuration %s already exists, use --yes to overwrite", outputPath)
		}
	}

	log.Infoln("writing default configuration to", outputPath)
	return os.WriteFile(outputPath, buffer, 0o600)
}
