package commands

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ruvnet/crdtsync/internal/config"
)

// HealthcheckCmd hits this replica's own /health endpoint, for use as a
// container liveness/readiness probe command alongside the long-running
// serve command.
var HealthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Check the health of a running server",
	RunE:  runHealthcheck,
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	url := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
	client := http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: server reported %s: %s", resp.Status, string(body))
	}

	fmt.Println(string(body))
	return nil
}
