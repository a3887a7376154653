package config

import (
	"fmt"

	"github.com/marmos91/streamcache/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a sample configuration file",
	Long: `Create a sample streamcache configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/streamcache/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  streamcache config init

  # Initialize with custom path
  streamcache config init --config /etc/streamcache/config.yaml

  # Force overwrite existing config
  streamcache config init --force`,
	RunE: runConfigInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	var configPath string
	var err error

	if configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Download something with: streamcache fetch <url>")
	fmt.Printf("  3. Or specify custom config: streamcache fetch <url> --config %s\n", configPath)

	return nil
}
