package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/permitd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var detailed bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the permitd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if detailed {
				data, err := yaml.Marshal(version.Report())
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "print module, Go version and VCS revision as YAML")
	return cmd
}
