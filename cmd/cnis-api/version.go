package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/equipe-eprev/cnis-extractor-api/services/cnis"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n",
				cnis.ServiceID, cnis.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
