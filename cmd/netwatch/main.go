package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/internal/daemon"
	"github.com/senic/hub/internal/netmgr"
	"github.com/senic/hub/subsystems"
	"github.com/senic/hub/subsystems/bluenet"
	"github.com/senic/hub/subsystems/netwatch"
	"github.com/senic/hub/utils"
	"github.com/senic/hub/utils/systemd"
)

// only changed/set at startup, so no mutex.
var globalLogger = logging.NewLogger("netwatch")

//nolint:lll
type netwatchOpts struct {
	Config  string `description:"Path to config file"           long:"config" short:"c"`
	Wlan    string `description:"WLAN device (default = wlan0)" long:"wlan"   short:"w"`
	Debug   bool   `description:"Enable debug logging"          env:"NETWATCH_DEBUG" long:"debug" short:"d"`
	DevMode bool   `description:"Allow non-root"                env:"NETWATCH_DEVMODE" long:"dev-mode"`
	Install bool   `description:"Install systemd service"       long:"install"`
	Version bool   `description:"Show version"                  long:"version" short:"v"`
}

func main() {
	ctx, cancel, wait := daemon.SetupExitSignalHandling(globalLogger)
	defer func() {
		cancel()
		wait()
	}()

	var opts netwatchOpts
	parser := flags.NewParser(&opts, flags.HelpFlag)
	parser.Usage = "switches between Wi-Fi provisioning and normal mode as the network comes and goes"
	if _, err := parser.Parse(); err != nil {
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
	if opts.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	ok, err := daemon.RequireRoot(netwatch.SubsysName, opts.DevMode)
	daemon.ExitIfError(globalLogger, err)
	if !ok {
		return
	}

	if opts.Config != "" {
		utils.ConfigFilePath = opts.Config
	}
	hubCfg, err := utils.LoadConfig(utils.ConfigFilePath)
	if err != nil {
		globalLogger.Warn(errors.Wrap(err, "loading config, continuing with defaults"))
	}
	cfg := hubCfg.Netwatch
	if opts.Wlan != "" {
		cfg.WlanInterface = opts.Wlan
	}

	manager := systemd.NewSystemdManager(globalLogger.Sublogger("systemd"))
	if opts.Install {
		daemon.ExitIfError(globalLogger, install(ctx, manager))
		return
	}

	pidFile, err := daemon.GetLock(globalLogger, netwatch.SubsysName)
	daemon.ExitIfError(globalLogger, err)
	defer daemon.ReleaseLock(globalLogger, pidFile)

	nm, err := netmgr.New(globalLogger.Sublogger("netmgr"), cfg.WlanInterface)
	daemon.ExitIfError(globalLogger, err)

	rpcAddress := hubCfg.Bluenet.RPCAddress
	n := netwatch.NewSubsystem(netwatch.Deps{
		Logger:   globalLogger,
		Config:   cfg,
		NM:       nm,
		Programs: manager,
		BluenetConnected: func(ctx context.Context) (bool, error) {
			return bluenet.IsConnected(ctx, rpcAddress)
		},
	})
	subs := subsystems.NewManager(globalLogger, subsystems.DefaultCheckInterval)
	subs.Add(netwatch.SubsysName, n)
	daemon.ExitIfError(globalLogger, subs.StartAll(ctx))
	subs.StartBackgroundChecks(ctx, cancel)
	<-ctx.Done()
	subs.CloseAll()
}

func install(ctx context.Context, manager *systemd.SystemdManager) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	path, err := manager.InstallUnit(ctx, netwatch.SubsysName, systemd.UnitSpec{
		Description: "Senic Hub network watcher",
		ExecStart:   []string{self, "--config", utils.ConfigFilePath},
		After:       []string{"NetworkManager.service"},
		Wants:       []string{"NetworkManager.service"},
	})
	if err != nil {
		return err
	}
	globalLogger.Infof("netwatch service installed at %s", path)
	return nil
}
