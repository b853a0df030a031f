package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skeinhq/skein-go/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(redactConfig(cfg))
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(resolveConfigPath())
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("%s: OK\n", path)
			return nil
		},
	}
}

// redactConfig returns a copy safe to print: the token and any
// telemetry header values are masked.
func redactConfig(c *config.Config) config.Config {
	out := *c
	if out.Hub.Token != "" {
		out.Hub.Token = "***"
	}
	if len(out.Telemetry.Headers) > 0 {
		masked := make(map[string]string, len(out.Telemetry.Headers))
		for k := range out.Telemetry.Headers {
			masked[k] = "***"
		}
		out.Telemetry.Headers = masked
	}
	return out
}
