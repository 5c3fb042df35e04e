package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/digest/am"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage digest configuration",
	Long: `am - Manage digest configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (DIGEST_* prefix)
2. Project config (./am.toml, searched up from the working directory)
3. User config (~/.digest/am.toml)
4. System config (/etc/digest/am.toml)
5. Default values

With --config, that one file replaces the three config files.

Examples:
  digest am show                  # Show current configuration
  digest am show --format json    # Show configuration in JSON format
  digest am get provider.model    # Get specific config value
  digest am validate              # Validate current configuration
  digest am where                 # List the config files that were checked`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, batching.default_batch_size)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# digest configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# digest configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v, err := configViper()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if ConfigFile != "" {
		if _, err := os.Stat(ConfigFile); err != nil {
			return fmt.Errorf("config file %s: %w", ConfigFile, err)
		}
		fmt.Println("Configuration file (--config):")
		pterm.Success.Println(ConfigFile)
		fmt.Println("Environment variables with the DIGEST_ prefix override it.")
		return nil
	}

	sources := am.ConfigSources()
	paths := make([]string, 0, len(sources))
	for p := range sources {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	fmt.Println("Configuration files (project overrides user overrides system):")
	for _, p := range paths {
		if sources[p] {
			pterm.Success.Println(p)
		} else {
			pterm.FgGray.Printf("  - %s (missing)\n", p)
		}
	}
	fmt.Println("Environment variables with the DIGEST_ prefix override every file.")
	return nil
}
