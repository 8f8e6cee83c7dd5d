//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"tinygo.org/x/bluetooth"

	"github.com/senic/hub/internal/bluez"
	"github.com/senic/hub/internal/daemon"
	"github.com/senic/hub/subsystems/onboarding"
	"github.com/senic/hub/utils"
	"github.com/senic/hub/utils/systemd"
)

const binaryName = "nuimo-setup"

// only changed/set at startup, so no mutex.
var globalLogger = logging.NewLogger(binaryName)

//nolint:lll
type setupOpts struct {
	Config           string        `description:"Path to config file"                          long:"config"            short:"c"`
	MAC              string        `description:"Only connect to the Nuimo with this address"  long:"mac"               short:"m"`
	Adapter          string        `description:"Bluetooth device"                             long:"adapter"           short:"b"`
	Attempts         int           `description:"Number of discovery attempts"                 long:"attempts"`
	DiscoveryTimeout time.Duration `description:"How long each discovery may take"             long:"discovery-timeout"`
	ConnectTimeout   time.Duration `description:"How long each connect may take"               long:"connect-timeout"`
	Output           string        `description:"File the connected address is written to"     long:"output"            short:"o"`
	Debug            bool          `description:"Enable debug logging"                         long:"debug"             short:"d"`
	DevMode          bool          `description:"Allow non-root"                               long:"dev-mode"`
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel, wait := daemon.SetupExitSignalHandling(globalLogger)
	defer func() {
		cancel()
		wait()
	}()

	var opts setupOpts
	parser := flags.NewParser(&opts, flags.HelpFlag)
	parser.Usage = "discovers and connects a Nuimo controller and stores its address"
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			//nolint:forbidigo
			fmt.Println(err)
			return 0
		}
		globalLogger.Error(err)
		return 2
	}
	if opts.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	ok, err := daemon.RequireRoot(binaryName, opts.DevMode)
	if err != nil || !ok {
		return 1
	}

	cfg := loadConfig(opts)

	pidFile, err := daemon.GetLock(globalLogger, binaryName)
	if err != nil {
		globalLogger.Error(err)
		return 1
	}
	defer daemon.ReleaseLock(globalLogger, pidFile)

	address, err := discoverAndConnect(ctx, cfg, opts.MAC)
	if err != nil {
		globalLogger.Error(err)
		return 1
	}
	if address == "" {
		globalLogger.Error("no Nuimo controller connected")
		return 1
	}

	if previous, err := utils.ReadMACFile(cfg.MACFile); err != nil {
		globalLogger.Warn(err)
	} else if previous != "" && previous != address {
		globalLogger.Infof("replacing stored Nuimo %s", previous)
	}
	if err := utils.WriteMACFile(cfg.MACFile, address); err != nil {
		globalLogger.Error(err)
		return 1
	}
	//nolint:forbidigo
	fmt.Println(address)
	return 0
}

func loadConfig(opts setupOpts) utils.OnboardingConfig {
	if opts.Config != "" {
		utils.ConfigFilePath = opts.Config
	}
	hubCfg, err := utils.LoadConfig(utils.ConfigFilePath)
	if err != nil {
		globalLogger.Warn(errors.Wrap(err, "loading config, continuing with defaults"))
	}
	cfg := hubCfg.Onboarding
	if opts.Adapter != "" {
		cfg.BluetoothAdapter = opts.Adapter
	}
	if opts.Attempts > 0 {
		cfg.MaxAttempts = opts.Attempts
	}
	if opts.DiscoveryTimeout > 0 {
		cfg.DiscoveryTimeout = utils.Timeout(opts.DiscoveryTimeout)
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnectTimeout = utils.Timeout(opts.ConnectTimeout)
	}
	if opts.Output != "" {
		cfg.MACFile = opts.Output
	}
	return cfg
}

func discoverAndConnect(ctx context.Context, cfg utils.OnboardingConfig, mac string) (string, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return "", errors.Wrap(err, "connecting to system dbus")
	}
	bz, err := bluez.NewAdapter(conn, cfg.BluetoothAdapter, globalLogger.Sublogger("bluez"))
	if err != nil {
		return "", err
	}

	adapter := bluetooth.DefaultAdapter
	if cfg.BluetoothAdapter != "" && cfg.BluetoothAdapter != "hci0" {
		adapter = bluetooth.NewAdapter(cfg.BluetoothAdapter)
	}

	radio := onboarding.NewRadio(onboarding.RadioDeps{
		Logger:       globalLogger.Sublogger("radio"),
		Adapter:      adapter,
		BlueZ:        bz,
		Restarter:    systemd.NewSystemdManager(globalLogger.Sublogger("systemd")),
		Service:      cfg.RestartService,
		AllowedAlias: cfg.AllowedAlias,
	})
	listener := onboarding.Listeners{
		onboarding.LogListener{Logger: globalLogger},
		newProgressListener(globalLogger, cfg.MaxAttempts),
	}
	supervisor := onboarding.NewSupervisor(globalLogger.Sublogger("onboarding"), radio, listener,
		onboarding.OptionsFromConfig(cfg, mac))

	result, err := supervisor.DiscoverAndConnect(ctx)
	if err != nil {
		return "", err
	}
	globalLogger.Infow("onboarding finished",
		"address", result.Address,
		"attempts", result.Attempts,
		"restarts", result.Restarts,
		"discovery", result.DiscoveryDuration,
		"connect", result.ConnectDuration,
	)
	return result.Address, nil
}
