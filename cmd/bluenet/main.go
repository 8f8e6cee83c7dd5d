package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	dbus "github.com/godbus/dbus/v5"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/internal/bluez"
	"github.com/senic/hub/internal/daemon"
	"github.com/senic/hub/internal/netmgr"
	"github.com/senic/hub/subsystems"
	"github.com/senic/hub/subsystems/bluenet"
	"github.com/senic/hub/utils"
	"github.com/senic/hub/utils/systemd"
)

// only changed/set at startup, so no mutex.
var globalLogger = logging.NewLogger("bluenet")

//nolint:lll
type bluenetOpts struct {
	Config    string `description:"Path to config file"                    long:"config"    short:"c"`
	Wlan      string `description:"WLAN device (default = wlan0)"          long:"wlan"      short:"w"`
	Bluetooth string `description:"Bluetooth device"                       long:"bluetooth" short:"b"`
	Debug     bool   `description:"Enable debug logging"                   env:"BLUENET_DEBUG" long:"debug" short:"d"`
	DevMode   bool   `description:"Allow non-root"                         env:"BLUENET_DEVMODE" long:"dev-mode"`
	Version   bool   `description:"Show version"                           long:"version"   short:"v"`

	Start   startCmd   `command:"start"   description:"start GATT service and scan for networks"`
	Join    joinCmd    `command:"join"    description:"only join Wifi"`
	Status  statusCmd  `command:"status"  description:"print Wifi status"`
	Install installCmd `command:"install" description:"install the bluenet systemd service"`
}

type startCmd struct {
	Hostname      string `description:"Host Name of Hub, %IP is replaced by the IPv4 address" long:"hostname" short:"n"`
	Alias         string `description:"Bluetooth Alias Name"                                 long:"alias"    short:"a"`
	AutoAdvertise bool   `description:"Disable BLE advertising when not needed"              long:"auto-advertise"`
}

type joinCmd struct {
	SSID     string `description:"SSID of the network" long:"ssid"     required:"true" short:"s"`
	Password string `description:"Wifi password"       long:"password" short:"p"`
}

type statusCmd struct{}

type installCmd struct{}

var opts bluenetOpts

func main() {
	ctx, cancel, wait := daemon.SetupExitSignalHandling(globalLogger)
	defer func() {
		cancel()
		wait()
	}()

	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS] <start|join|status|install>"
	parser.SubcommandsOptional = true

	_, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			//nolint:forbidigo
			fmt.Println(err)
			return
		}
		daemon.ExitIfError(globalLogger, err)
	}

	if opts.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", utils.GetVersion(), utils.GetRevision())
		return
	}
	if parser.Active == nil {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if opts.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	ok, err := daemon.RequireRoot(bluenet.SubsysName, opts.DevMode)
	daemon.ExitIfError(globalLogger, err)
	if !ok {
		return
	}

	cfg := loadConfig()

	switch parser.Active.Name {
	case "start":
		daemon.ExitIfError(globalLogger, runStart(ctx, cancel, cfg))
	case "join":
		daemon.ExitIfError(globalLogger, runJoin(cfg))
	case "status":
		daemon.ExitIfError(globalLogger, runStatus(cfg))
	case "install":
		daemon.ExitIfError(globalLogger, runInstall(ctx))
	}
}

func loadConfig() utils.BluenetConfig {
	if opts.Config != "" {
		utils.ConfigFilePath = opts.Config
	}
	hubCfg, err := utils.LoadConfig(utils.ConfigFilePath)
	if err != nil {
		globalLogger.Warn(errors.Wrap(err, "loading config, continuing with defaults"))
	}
	cfg := hubCfg.Bluenet

	// command line wins over the config file
	if opts.Wlan != "" {
		cfg.WlanInterface = opts.Wlan
	}
	if opts.Bluetooth != "" {
		cfg.BluetoothAdapter = opts.Bluetooth
	}
	if opts.Start.Hostname != "" {
		cfg.Hostname = opts.Start.Hostname
	}
	if opts.Start.Alias != "" {
		cfg.Alias = opts.Start.Alias
	}
	if opts.Start.AutoAdvertise {
		cfg.AutoAdvertise = utils.Tribool(1)
	}
	return cfg
}

func runStart(ctx context.Context, globalCancel context.CancelFunc, cfg utils.BluenetConfig) error {
	pidFile, err := daemon.GetLock(globalLogger, bluenet.SubsysName)
	if err != nil {
		return err
	}
	defer daemon.ReleaseLock(globalLogger, pidFile)

	globalLogger.Infof("bluenet Version: %s Git Revision: %s", utils.GetVersion(), utils.GetRevision())

	if ver, err := bluez.CheckVersion(ctx); err != nil {
		globalLogger.Warn(err)
	} else {
		globalLogger.Infof("Found BlueZ version: %s", ver)
	}

	nm, err := netmgr.New(globalLogger.Sublogger("netmgr"), cfg.WlanInterface)
	if err != nil {
		return err
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "connecting to system dbus")
	}
	adapter, err := bluez.NewAdapter(conn, cfg.BluetoothAdapter, globalLogger.Sublogger("bluez"))
	if err != nil {
		return err
	}

	b, err := bluenet.NewSubsystem(ctx, bluenet.Deps{
		Logger:    globalLogger,
		Config:    cfg,
		Transport: bluenet.NewTransport(adapter),
		NM:        nm,
	})
	if err != nil {
		return err
	}
	manager := subsystems.NewManager(globalLogger, subsystems.DefaultCheckInterval)
	manager.Add(bluenet.SubsysName, b)
	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	manager.StartBackgroundChecks(ctx, globalCancel)

	// a fatal registration error ends the daemon, systemd brings it back
	err = b.Wait(ctx)
	manager.CloseAll()
	return err
}

func runJoin(cfg utils.BluenetConfig) error {
	nm, err := netmgr.New(globalLogger.Sublogger("netmgr"), cfg.WlanInterface)
	if err != nil {
		return err
	}
	wifi := bluenet.NewWifiController(globalLogger.Sublogger("wifi"), nm)
	return wifi.JoinAndWait(opts.Join.SSID, opts.Join.Password)
}

func runStatus(cfg utils.BluenetConfig) error {
	nm, err := netmgr.New(globalLogger.Sublogger("netmgr"), cfg.WlanInterface)
	if err != nil {
		return err
	}
	wifi := bluenet.NewWifiController(globalLogger.Sublogger("wifi"), nm)
	state := wifi.Status()
	ssid, err := nm.ProfileSSID(netmgr.ProfileName)
	if err != nil {
		globalLogger.Debug(err)
	}
	//nolint:forbidigo
	fmt.Printf("Wifi status on %s: %s (%s)\n", nm.Interface(), state, ssid)
	return nil
}

func runInstall(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return err
	}

	manager := systemd.NewSystemdManager(globalLogger)
	path, err := manager.InstallUnit(ctx, bluenet.SubsysName, systemd.UnitSpec{
		Description: "Senic Hub Wi-Fi provisioning over BLE",
		ExecStart:   []string{self, "--config", utils.ConfigFilePath, "start"},
		After:       []string{"bluetooth.target", "NetworkManager.service"},
		Wants:       []string{"bluetooth.target"},
	})
	if err != nil {
		return err
	}
	globalLogger.Infof("bluenet service installed at %s", path)
	return nil
}
