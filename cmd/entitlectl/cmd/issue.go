package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"entitled/pkg/contracts/domain"
)

var issueFlags struct {
	licenseType    string
	clientName     string
	clientEmail    string
	maxUsers       int
	maxStores      int
	maxActivations int
	domains        []string
	features       []string
	hardwareLock   bool
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new license",
	RunE: func(cmd *cobra.Command, args []string) error {
		if issueFlags.clientName == "" {
			return fmt.Errorf("--client flag is required")
		}

		req := domain.CreateLicenseRequest{
			Type:           domain.LicenseType(issueFlags.licenseType),
			ClientName:     issueFlags.clientName,
			ClientEmail:    issueFlags.clientEmail,
			MaxUsers:       issueFlags.maxUsers,
			MaxStores:      issueFlags.maxStores,
			MaxActivations: issueFlags.maxActivations,
			AllowedDomains: issueFlags.domains,
			Features:       issueFlags.features,
			HardwareLock:   issueFlags.hardwareLock,
		}

		var lic domain.License
		if err := doRequest(http.MethodPost, "/api/licenses", req, &lic); err != nil {
			return fmt.Errorf("failed to issue license: %w", err)
		}
		return printJSON(cmd, lic)
	},
}

func init() {
	issueCmd.Flags().StringVar(&issueFlags.licenseType, "type", "monthly", "license type: lifetime, monthly, yearly, trial")
	issueCmd.Flags().StringVar(&issueFlags.clientName, "client", "", "client name (required)")
	issueCmd.Flags().StringVar(&issueFlags.clientEmail, "email", "", "client email")
	issueCmd.Flags().IntVar(&issueFlags.maxUsers, "max-users", 1, "maximum users")
	issueCmd.Flags().IntVar(&issueFlags.maxStores, "max-stores", 1, "maximum stores")
	issueCmd.Flags().IntVar(&issueFlags.maxActivations, "max-activations", 1, "maximum concurrent activations")
	issueCmd.Flags().StringSliceVar(&issueFlags.domains, "domain", nil, "allowed domain, repeatable (supports *.example.com)")
	issueCmd.Flags().StringSliceVar(&issueFlags.features, "feature", nil, "enabled feature, repeatable")
	issueCmd.Flags().BoolVar(&issueFlags.hardwareLock, "hardware-lock", false, "lock the license to the first hardware ID seen")

	rootCmd.AddCommand(issueCmd)
}
