package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/provider"
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Git hosting provider utilities",
}

var providerDetectCmd = &cobra.Command{
	Use:   "detect <repository-url>",
	Short: "Show which provider serves a repository URL",
	Args:  cobra.ExactArgs(1),
	RunE:  providerDetectExec,
}

func providerInit() {
	providerDetectCmd.Flags().Bool("json", false, "print JSON instead of text")

	providerCmd.AddCommand(providerDetectCmd)
	rootCmd.AddCommand(providerCmd)
}

type detection struct {
	Provider  provider.Name `json:"provider"`
	Host      string        `json:"host"`
	Owner     string        `json:"owner"`
	Name      string        `json:"name"`
	Branch    string        `json:"branch,omitempty"`
	Canonical string        `json:"canonical"`
	CloneURL  string        `json:"cloneUrl"`
}

func providerDetectExec(cmd *cobra.Command, args []string) error {
	rawURL := args[0]

	name, host, err := provider.Detect(rawURL)
	if err != nil {
		return err
	}
	owner, repo, err := provider.OwnerAndName(rawURL)
	if err != nil {
		return err
	}

	log.PrintValue(cmd, detection{
		Provider:  name,
		Host:      host,
		Owner:     owner,
		Name:      repo,
		Branch:    provider.BranchOf(rawURL),
		Canonical: provider.Canonical(rawURL),
		CloneURL:  provider.CloneURL(rawURL),
	}, map[string]string{"CloneURL": "Clone URL"})
	return nil
}
