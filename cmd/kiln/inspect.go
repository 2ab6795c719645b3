package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kiln/internal/module"
)

func inspectCmd() *cli.Command {
	var format string

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the configuration stored in a snapshot",
		ArgsUsage: "<snapshot-dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (yaml, json)",
				Value:       "yaml",
				Destination: &format,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return fmt.Errorf("snapshot directory is required")
			}
			cfg, epoch, err := module.Inspect(dir)
			if err != nil {
				return err
			}
			return printSnapshot(cfg, epoch, format)
		},
	}
}

// printSnapshot prints cfg through JSON so both formats use the same field
// names.
func printSnapshot(cfg module.Config, epoch int, format string) error {
	data, err := json.Marshal(struct {
		Epoch int `json:"epoch"`
		module.Config
	}{epoch, cfg})
	if err != nil {
		return err
	}
	switch format {
	case "json":
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		pretty, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(pretty))
		return err
	case "yaml", "":
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", format)
	}
}
