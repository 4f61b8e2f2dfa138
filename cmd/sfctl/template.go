package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func configTemplate(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "development", "dev":
		return developmentTemplate, nil
	case "production", "prod":
		return productionTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func writeConfigTemplate(path, kind string, overwrite bool) error {
	template, err := configTemplate(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const developmentTemplate = `log_level = "info"
metrics_addr = "127.0.0.1:9464"

[bridge]
address = "127.0.0.1:7411"
max_connect_attempts = 1
security_mode = "development"
`

const productionTemplate = `log_level = "warn"
metrics_addr = "127.0.0.1:9464"

[bridge]
address = "127.0.0.1:7411"
max_connect_attempts = 5
security_mode = "production"

[bridge.tls]
enabled = true
mutual = true
cert_file = "/etc/sfipc/tls/node.crt"
key_file = "/etc/sfipc/tls/node.key"
ca_file = "/etc/sfipc/tls/ca.crt"
`

type configTemplateCmd struct {
	Kind   string `arg:"" optional:"" enum:"development,dev,production,prod" default:"development" help:"Template kind."`
	Output string `short:"o" type:"path" help:"Write to this file instead of stdout."`
	Force  bool   `help:"Overwrite an existing output file."`
}

func (c *configTemplateCmd) Run(a *app) error {
	if c.Output == "" {
		template, err := configTemplate(c.Kind)
		if err != nil {
			return err
		}
		_, err = io.WriteString(a.out, template)
		return err
	}
	if err := writeConfigTemplate(c.Output, c.Kind, c.Force); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "wrote %s config to %s\n", c.Kind, c.Output)
	return nil
}

type configCheckCmd struct {
	Path string `arg:"" type:"existingfile" help:"Config file to validate."`
}

// Run loads path the way every other command would and checks both ends of
// the bridge transport settings.
func (c *configCheckCmd) Run(a *app) error {
	cfg, err := loadConfig(c.Path)
	if err != nil {
		return err
	}
	if err := cfg.Bridge.ValidateClientTransport(); err != nil {
		return fmt.Errorf("client transport: %w", err)
	}
	if err := cfg.Bridge.ValidateServerTransport(); err != nil {
		return fmt.Errorf("server transport: %w", err)
	}
	fmt.Fprintf(a.out, "validated %s (%s, %s)\n", c.Path, cfg.Bridge.SecurityMode, cfg.Bridge.Address)
	return nil
}
