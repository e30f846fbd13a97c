// Command server runs a crdtsync replica: the document sync gateway, the
// Pub/Sub Bridge, and the Persistence Coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ruvnet/crdtsync/cmd/server/commands"
)

var rootCmd = &cobra.Command{
	Use:   "crdtsync",
	Short: "Real-time multi-user document collaboration backend",
}

func main() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.HealthcheckCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
