package sdboot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/gentam/sdboot/boot"
	"github.com/gentam/sdboot/sdcard"
)

// Frequency is a physic.Frequency written as text, like "25kHz".
type Frequency struct {
	physic.Frequency
}

func (f *Frequency) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if err := f.Set(s); err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	return nil
}

func (f Frequency) MarshalYAML() (any, error) {
	return f.String(), nil
}

// Pins names the FT2232H pins of the board, such as "D4" or "C0".
type Pins struct {
	FlashCS   string `yaml:"flash_cs"`
	SDCS      string `yaml:"sd_cs"`
	FPGAReset string `yaml:"fpga_reset"`
	FPGADone  string `yaml:"fpga_done"`
}

// SDConfig mirrors sdcard.Config.
type SDConfig struct {
	InitClock         Frequency `yaml:"init_clock"`
	DataClock         Frequency `yaml:"data_clock"`
	CommandAttempts   int       `yaml:"command_attempts"`
	OpCondAttempts    int       `yaml:"opcond_attempts"`
	ReadTokenAttempts int       `yaml:"read_token_attempts"`
	BusyAttempts      int       `yaml:"busy_attempts"`
}

// Options converts c into card options.
func (c SDConfig) Options(log *slog.Logger) []sdcard.Option {
	return []sdcard.Option{
		sdcard.WithConfig(sdcard.Config{
			CommandAttempts:   c.CommandAttempts,
			OpCondAttempts:    c.OpCondAttempts,
			ReadTokenAttempts: c.ReadTokenAttempts,
			BusyAttempts:      c.BusyAttempts,
			InitClock:         c.InitClock.Frequency,
			DataClock:         c.DataClock.Frequency,
		}),
		sdcard.WithLogger(log),
	}
}

// Config is the board configuration file.
type Config struct {
	Pins       Pins        `yaml:"pins"`
	FlashClock Frequency   `yaml:"flash_clock"`
	SD         SDConfig    `yaml:"sd"`
	Boot       boot.Config `yaml:"boot"`
}

// DefaultConfig matches an iCEBreaker style board: flash on ADBUS4, the FPGA
// control lines on ADBUS6/7 and the SD card selected by ADBUS5.
func DefaultConfig() Config {
	sd := sdcard.DefaultConfig()
	return Config{
		Pins: Pins{
			FlashCS:   "D4",
			SDCS:      "D5",
			FPGAReset: "D7",
			FPGADone:  "D6",
		},
		FlashClock: Frequency{30 * physic.MegaHertz}, // [FTDI-AN_135|3.2.1 Divisors]
		SD: SDConfig{
			InitClock:         Frequency{sd.InitClock},
			DataClock:         Frequency{sd.DataClock},
			CommandAttempts:   sd.CommandAttempts,
			OpCondAttempts:    sd.OpCondAttempts,
			ReadTokenAttempts: sd.ReadTokenAttempts,
			BusyAttempts:      sd.BusyAttempts,
		},
		Boot: boot.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	pins := map[string]string{}
	for field, name := range map[string]string{
		"flash_cs":   c.Pins.FlashCS,
		"sd_cs":      c.Pins.SDCS,
		"fpga_reset": c.Pins.FPGAReset,
		"fpga_done":  c.Pins.FPGADone,
	} {
		if name == "" {
			errs = append(errs, fmt.Errorf("pins.%s is empty", field))
			continue
		}
		if other, ok := pins[name]; ok {
			errs = append(errs, fmt.Errorf("pins.%s and pins.%s both use %s", field, other, name))
		}
		pins[name] = field
	}
	if c.FlashClock.Frequency <= 0 {
		errs = append(errs, errors.New("flash_clock must be positive"))
	}
	if c.SD.InitClock.Frequency <= 0 || c.SD.DataClock.Frequency <= 0 {
		errs = append(errs, errors.New("sd clocks must be positive"))
	}
	if c.SD.InitClock.Frequency > 400*physic.KiloHertz {
		errs = append(errs, fmt.Errorf("sd.init_clock %s is above 400kHz", c.SD.InitClock))
	}
	if c.SD.CommandAttempts <= 0 || c.SD.OpCondAttempts <= 0 || c.SD.ReadTokenAttempts <= 0 || c.SD.BusyAttempts <= 0 {
		errs = append(errs, errors.New("sd attempt ceilings must be positive"))
	}
	if c.Boot.Firmware == "" || c.Boot.Backup == "" || c.Boot.Firmware == c.Boot.Backup {
		errs = append(errs, fmt.Errorf("boot.firmware %q and boot.backup %q must be distinct names", c.Boot.Firmware, c.Boot.Backup))
	}
	if c.Boot.RetryInterval <= 0 {
		errs = append(errs, errors.New("boot.retry_interval must be positive"))
	}
	return errors.Join(errs...)
}
