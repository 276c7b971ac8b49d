package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"entitled/pkg/contracts/domain"
)

var statusFlags struct {
	set    string
	reason string
}

var statusCmd = &cobra.Command{
	Use:   "status <license-id>",
	Short: "Show or change a license status",
	Long: `Without --set, prints the license. With --set, performs a status
transition (suspensions require --reason; cancellation deactivates every
active activation).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		if statusFlags.set == "" {
			var lic domain.License
			if err := doRequest(http.MethodGet, "/api/licenses/"+id, nil, &lic); err != nil {
				return fmt.Errorf("failed to fetch license: %w", err)
			}
			return printJSON(cmd, lic)
		}

		req := domain.UpdateStatusRequest{
			Status: domain.LicenseStatus(statusFlags.set),
			Reason: statusFlags.reason,
		}

		var lic domain.License
		if err := doRequest(http.MethodPut, "/api/licenses/"+id+"/status", req, &lic); err != nil {
			return fmt.Errorf("status update failed: %w", err)
		}
		return printJSON(cmd, lic)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all licenses",
	RunE: func(cmd *cobra.Command, args []string) error {
		var licenses []domain.License
		if err := doRequest(http.MethodGet, "/api/licenses", nil, &licenses); err != nil {
			return fmt.Errorf("failed to list licenses: %w", err)
		}

		for _, lic := range licenses {
			expiry := "never"
			if lic.ExpiresAt != nil {
				expiry = lic.ExpiresAt.Format("2006-01-02")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-9s  %-8s  expires %s  %s\n",
				lic.ID, lic.LicenseKey, lic.Status, lic.Type, expiry, lic.ClientName)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.set, "set", "", "target status: active, expired, suspended, cancelled")
	statusCmd.Flags().StringVar(&statusFlags.reason, "reason", "", "reason for the transition (required for suspended)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}
