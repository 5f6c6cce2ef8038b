package main

import (
	"fmt"
	"runtime"

	"github.com/ggoodman/zkproxy"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the zkproxy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "zkproxy %s (%s)\n", zkproxy.Version, runtime.Version())
			return err
		},
	}
}
