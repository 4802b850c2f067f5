// Command rx63nprog loads a firmware image into the on-chip flash of
// an RX63N/RX631-class microcontroller over its serial boot-mode
// protocol.
//
// Usage: rx63nprog <serial-device-path> <firmware-image-path>
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"rx63nprog/internal/config"
	"rx63nprog/internal/hexfile"
	"rx63nprog/internal/protocol"
	"rx63nprog/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("rx63nprog", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: rx63nprog [flags] <serial-device-path> <firmware-image-path>")
		flags.PrintDefaults()
	}

	configPath := flags.StringP("config", "c", "", "YAML file of session-default overrides")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	bitRate := flags.Int("bit-rate", 0, "override the target bit rate in bps")
	deviceIndex := flags.Int("device-index", -1, "override the selected device index")
	clockModeIndex := flags.Int("clock-mode-index", -1, "override the selected clock-mode index")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}
	if flags.NArg() != 2 {
		flags.Usage()
		return 2
	}
	devicePath := flags.Arg(0)
	imagePath := flags.Arg(1)

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "err", err)
		return 1
	}
	if *bitRate != 0 {
		cfg.BitRate = *bitRate
	}
	if *deviceIndex >= 0 {
		cfg.DeviceIndex = *deviceIndex
	}
	if *clockModeIndex >= 0 {
		cfg.ClockModeIndex = *clockModeIndex
	}

	if err := flashImage(logger, devicePath, imagePath, cfg); err != nil {
		logger.Error("flashing failed", "err", err)
		return 1
	}

	logger.Info("programming complete")
	return 0
}

func flashImage(logger *log.Logger, devicePath, imagePath string, cfg config.Config) error {
	regions, err := hexfile.Parse(imagePath)
	if err != nil {
		return fmt.Errorf("%w: %v", &protocol.Error{Kind: protocol.KindImageParse}, err)
	}

	port, err := transport.Open(devicePath)
	if err != nil {
		return err
	}
	defer port.Close()

	session := protocol.NewSession(port, logger)
	defer session.Close()

	logger.Info("matching bit rates")
	if err := session.MatchBitRates(); err != nil {
		return err
	}

	devices, err := session.InquireDevices()
	if err != nil {
		return err
	}
	if cfg.DeviceIndex >= len(devices) {
		return fmt.Errorf("device index %d out of range (%d devices reported)", cfg.DeviceIndex, len(devices))
	}
	logger.Info("selecting device", "name", devices[cfg.DeviceIndex].Name)
	if err := session.SelectDevice(cfg.DeviceIndex); err != nil {
		return err
	}

	modes, err := session.InquireClockModes()
	if err != nil {
		return err
	}
	if cfg.ClockModeIndex >= len(modes) {
		return fmt.Errorf("clock mode index %d out of range (%d modes reported)", cfg.ClockModeIndex, len(modes))
	}
	if err := session.SelectClockMode(cfg.ClockModeIndex); err != nil {
		return err
	}

	if _, err := session.InquireMultiplicationRatios(); err != nil {
		return err
	}
	if _, err := session.InquireOperatingFrequencies(); err != nil {
		return err
	}

	logger.Info("negotiating bit rate", "bps", cfg.BitRate)
	if err := session.SetBitRate(cfg.BitRateParams()); err != nil {
		return err
	}

	if err := session.EnterProgrammingState(); err != nil {
		return err
	}

	logger.Info("programming image", "regions", len(regions))
	if err := session.ProgramRegions(regions); err != nil {
		return err
	}

	return nil
}
