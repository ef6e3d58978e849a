package main

import (
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-enrichment/internal/config"
)

const masked = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(maskSecrets(*cfg))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// maskSecrets returns a copy of c safe to print.
func maskSecrets(c config.Config) config.Config {
	if c.Redis.Password != "" {
		c.Redis.Password = masked
	}
	if c.Store.DatabaseURL != "" {
		c.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	}
	if c.Monitoring.WebhookURL != "" {
		c.Monitoring.WebhookURL = redactURL(c.Monitoring.WebhookURL)
	}
	return c
}

// redactURL hides the password and query of a URL. Unparseable values are
// masked entirely.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return masked
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.Redacted()
}
