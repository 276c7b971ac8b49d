package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"entitled/pkg/contracts/domain"
)

var bulkFlags struct {
	templateID string
	count      int
	clientName string
}

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Generate licenses in bulk from a template",
	RunE: func(cmd *cobra.Command, args []string) error {
		if bulkFlags.templateID == "" {
			return fmt.Errorf("--template flag is required")
		}

		req := domain.BulkGenerateRequest{
			TemplateID: bulkFlags.templateID,
			Count:      bulkFlags.count,
			ClientName: bulkFlags.clientName,
		}

		var result domain.BulkGenerateResult
		if err := doRequest(http.MethodPost, "/api/licenses/bulk", req, &result); err != nil {
			return fmt.Errorf("bulk generation failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "issued %d, failed %d\n", len(result.Issued), result.FailedCount)
		for _, lic := range result.Issued {
			fmt.Fprintln(cmd.OutOrStdout(), lic.LicenseKey)
		}
		return nil
	},
}

func init() {
	bulkCmd.Flags().StringVar(&bulkFlags.templateID, "template", "", "template ID to issue from (required)")
	bulkCmd.Flags().IntVar(&bulkFlags.count, "count", 1, "number of licenses to generate")
	bulkCmd.Flags().StringVar(&bulkFlags.clientName, "client", "", "client name applied to every issued license")

	rootCmd.AddCommand(bulkCmd)
}
