package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"entitled/pkg/contracts/domain"
)

var verifyFlags struct {
	domain     string
	hardwareID string
}

var verifyCmd = &cobra.Command{
	Use:   "verify <license-key>",
	Short: "Verify a license key without consuming an activation slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := domain.VerifyRequest{
			LicenseKey: args[0],
			Domain:     verifyFlags.domain,
			HardwareID: verifyFlags.hardwareID,
		}

		var result domain.VerificationResult
		if err := doRequest(http.MethodPost, "/api/licenses/verify", req, &result); err != nil {
			return fmt.Errorf("verification request failed: %w", err)
		}
		return printJSON(cmd, result)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFlags.domain, "domain", "", "domain to check against the license restrictions")
	verifyCmd.Flags().StringVar(&verifyFlags.hardwareID, "hardware-id", "", "hardware ID to check against the license binding")

	rootCmd.AddCommand(verifyCmd)
}
