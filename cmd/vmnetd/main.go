package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codewiresh/vmnetd/internal/broker"
	"github.com/codewiresh/vmnetd/internal/config"
	"github.com/codewiresh/vmnetd/internal/daemon"
	"github.com/codewiresh/vmnetd/internal/logging"
	"github.com/codewiresh/vmnetd/internal/vmnet"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := rootCmd()
	root.AddCommand(
		peersCmd(),
		stopCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// rootCmd: vmnetd [flags] SOCKET
// ---------------------------------------------------------------------------

func rootCmd() *cobra.Command {
	var configPath string
	def := config.Default()

	cmd := &cobra.Command{
		Use:          "vmnetd [flags] SOCKET",
		Short:        "Share one vmnet interface with many peers over a unix socket",
		Version:      version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd.Flags(), configPath, args)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "read options from a TOML or YAML file; flags override it")
	f.String("socket-group", def.SocketGroup, "socket group name")
	f.String("vmnet-mode", def.VMNet.Mode, "vmnet mode (host, shared or bridged)")
	f.String("vmnet-interface", "", `interface used for bridged mode, e.g. "en0"`)
	f.String("vmnet-gateway", "", `gateway used for host and shared mode, e.g. "192.168.105.1" (default: decided by macOS)`)
	f.String("vmnet-dhcp-end", "", "end of the DHCP range (default: XXX.XXX.XXX.254); requires --vmnet-gateway")
	f.String("vmnet-mask", "", `subnet mask (default: "`+config.DefaultMask+`"); requires --vmnet-gateway`)
	f.String("vmnet-interface-id", "", "vmnet interface ID (default: random)")
	f.String("vmnet-network-identifier", def.VMNet.NetworkIdentifier, `vmnet network identifier (UUID, "random", or ""); host mode only`)
	f.String("vmnet-nat66-prefix", "", "IPv6 ULA prefix for shared mode, e.g. fd00:1::")
	f.StringP("pidfile", "p", "", "save pid to PIDFILE")
	f.Bool("debug", false, "enable debug logging (also DEBUG=1)")
	f.String("log-format", def.LogFormat, "log format: auto, text or json")
	f.String("metrics-listen", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9310")
	f.String("journal", "", "record peer connections in this SQLite database")
	f.Duration("write-timeout", 0, "deadline for each frame written to a peer (0 waits forever)")
	f.Int("batch-size", def.BatchSize, fmt.Sprintf("frames read from the interface at once (1-%d)", broker.MaxBatchSize))
	f.BoolP("version", "v", false, "print the version and exit")

	return cmd
}

// buildConfig layers the config file, the environment, explicitly set
// flags, and the positional socket path.
func buildConfig(flags *pflag.FlagSet, configPath string, args []string) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)

	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "version", "help":
			return
		}
		if setErr == nil {
			setErr = cfg.Set(f.Name, f.Value.String())
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	if len(args) == 1 {
		cfg.Socket = args[0]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cfg *config.Config) error {
	log := logging.New(os.Stderr, cfg.Debug, cfg.LogFormat)
	slog.SetDefault(log)

	vcfg, warnings, err := cfg.VMNet.Resolve()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	log.Info("initializing vmnet.framework",
		"mode", vcfg.Mode.String(),
		"interface", vcfg.SharedInterface,
		"gateway", vcfg.StartAddress,
		"dhcp_end", vcfg.EndAddress,
		"mask", vcfg.SubnetMask,
		"interface_id", vcfg.InterfaceID.String(),
	)

	iface, err := vmnet.New(vcfg)
	if err != nil {
		if errors.Is(err, vmnet.ErrUnsupported) {
			return fmt.Errorf("vmnetd requires macOS: %w", err)
		}
		return err
	}

	d := daemon.New(iface, daemon.Options{
		Socket:        cfg.Socket,
		SocketGroup:   cfg.SocketGroup,
		PIDFile:       cfg.PIDFile,
		MetricsListen: cfg.MetricsListen,
		Journal:       cfg.Journal,
		WriteTimeout:  cfg.WriteTimeout,
		BatchSize:     cfg.BatchSize,
		Logger:        log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited", "err", err)
		return err
	}
	log.Debug("shut down cleanly")
	return nil
}
