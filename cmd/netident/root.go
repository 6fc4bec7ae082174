package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/netident/pkg/config"
	"github.com/cuemby/netident/pkg/log"
)

// defaultConfigPath is read when --config is not given and the file exists
const defaultConfigPath = "/etc/netident/netident.yaml"

// cliContext carries global flags and the loaded configuration to subcommands
type cliContext struct {
	configPath string
	dataDir    string
	subnet     string
	logLevel   string
	logJSON    bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	ctx := &cliContext{}

	rootCmd := &cobra.Command{
		Use:   "netident",
		Short: "netident - keep a LAN host's TLS identity in step with its address",
		Long: `netident detects this host's LAN address, and whenever it changes issues a
self-signed certificate covering the address and configured hostnames,
rewrites the nginx virtual hosts that front the local services, and
reloads the proxy.

Run it from a timer with "netident run", or as a service with
"netident watch".`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"netident version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configPath, "config", "c", "", "Configuration file (default "+defaultConfigPath+" if present)")
	flags.StringVar(&ctx.dataDir, "data-dir", "", "Override data_dir")
	flags.StringVar(&ctx.subnet, "subnet", "", "Override preferred_subnet (CIDR)")
	flags.StringVar(&ctx.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	flags.BoolVar(&ctx.logJSON, "log-json", false, "Log in JSON")

	rootCmd.AddCommand(newRunCmd(ctx))
	rootCmd.AddCommand(newWatchCmd(ctx))
	rootCmd.AddCommand(newStatusCmd(ctx))
	rootCmd.AddCommand(newProbeCmd(ctx))
	rootCmd.AddCommand(newRenderCmd(ctx))
	rootCmd.AddCommand(newConfigCmd(ctx))

	return rootCmd
}

// load reads the configuration, applies flag overrides, validates it and
// initializes logging. Subcommands call it from RunE.
func (c *cliContext) load(cmd *cobra.Command) (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	path := c.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, &usageError{err}
	}

	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.subnet != "" {
		cfg.PreferredSubnet = c.subnet
	}
	if c.logLevel != "" {
		cfg.Log.Level = log.Level(c.logLevel)
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = c.logJSON
	}

	if err := cfg.Validate(); err != nil {
		return nil, &usageError{fmt.Errorf("invalid configuration:\n%w", err)}
	}

	log.Init(log.Config{
		Level:      cfg.Log.Level,
		JSONOutput: cfg.Log.JSON,
		Output:     cmd.ErrOrStderr(),
	})

	c.cfg = cfg
	return cfg, nil
}
