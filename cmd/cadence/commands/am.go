package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and manage configuration",
	Long: sym.AM + ` am — cadence configuration

Configuration sources (in order of precedence):
1. Environment variables (CADENCE_* prefix, . replaced by _)
2. Project config (cadence.toml, searched upwards from the working directory)
3. User config (~/.cadence/cadence.toml)
4. Default values

A .env file in the working directory is loaded into the environment first.

Examples:
  cadence am show                 # Effective configuration as TOML
  cadence am show --sources       # Every key with where it came from
  cadence am get pulse.workers
  cadence am init                 # Write a starter cadence.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value (e.g. pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := am.GetViper()
		if !v.IsSet(args[0]) {
			return errors.NewNotFoundError("configuration key %q", args[0])
		}
		fmt.Println(v.Get(args[0]))
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return errors.Wrap(err, "configuration is invalid")
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files are checked",
	RunE: func(cmd *cobra.Command, args []string) error {
		candidates := []string{am.UserConfigPath(), am.FindProjectConfig()}
		if configPath != "" {
			candidates = []string{configPath}
		}
		for _, p := range candidates {
			if p == "" {
				continue
			}
			if _, err := os.Stat(p); err == nil {
				pterm.Printf("  %s %s\n", pterm.LightGreen("✓"), p)
			} else {
				pterm.Printf("  %s %s\n", pterm.Gray("·"), pterm.Gray(p+" (missing)"))
			}
		}
		return nil
	},
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter cadence.toml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := am.ConfigFileName
		if len(args) == 1 {
			path = args[0]
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if err := am.WriteDefault(path); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote %s\n", path)
		return nil
	},
}

var (
	configFormat string
	showSources  bool
)

func runAmShow(cmd *cobra.Command, args []string) error {
	if showSources {
		settings := am.Settings(am.GetViper())
		if jsonOutput {
			return printJSON(settings)
		}
		data := pterm.TableData{{"Key", "Value", "Source"}}
		for _, s := range settings {
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	cfg.Database.DSN = maskSecret(cfg.Database.DSN)
	cfg.Delivery.WebhookURL = maskSecret(cfg.Delivery.WebhookURL)

	format := configFormat
	if jsonOutput {
		format = "json"
	}
	switch format {
	case "json":
		return printJSON(cfg)
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# cadence configuration\n%s", data)
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# cadence configuration\n%s", data)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return s
	}
	return "********"
}

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "List every key with its source")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}
