package cmd

import (
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dataspecer/dsgit/internal/compare"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/resource"
)

var mergeStateCmd = &cobra.Command{
	Use:     "merge-state",
	Aliases: []string{"ms"},
	Short:   "Inspect and abort merge states",
}

var mergeStateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the merge states of a package, or of every package",
	Args:  cobra.NoArgs,
	RunE:  mergeStateListExec,
}

var mergeStateShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show a merge state and the diff of its unresolved conflicts",
	Args:  cobra.ExactArgs(1),
	RunE:  mergeStateShowExec,
}

var mergeStateAbortCmd = &cobra.Command{
	Use:   "abort <uuid>",
	Short: "Remove a merge state without applying it",
	Long:  "Remove a merge state without applying it. The editable tree and the branch are left as they are.",
	Args:  cobra.ExactArgs(1),
	RunE:  mergeStateAbortExec,
}

func mergeStateInit() {
	mergeStateCmd.PersistentFlags().Bool("json", false, "print JSON instead of text")
	mergeStateListCmd.Flags().String("iri", "", "root IRI of the package")
	mergeStateShowCmd.Flags().Bool("diff", true, "print a unified diff per unresolved conflict")

	mergeStateCmd.AddCommand(mergeStateListCmd, mergeStateShowCmd, mergeStateAbortCmd)
	rootCmd.AddCommand(mergeStateCmd)
}

type mergeStateSummary struct {
	UUID          string
	Kind          mergestate.Kind
	RootIRI       string
	Status        mergestate.Status
	Conflicts     int
	Unresolved    []string
	FinalizeStage mergestate.Stage
	LastFailure   string
	Updated       string
}

func summarize(m *mergestate.MergeState) mergeStateSummary {
	return mergeStateSummary{
		UUID:          m.UUID,
		Kind:          m.Kind,
		RootIRI:       m.RootIRI,
		Status:        m.Status(),
		Conflicts:     len(m.Conflicts),
		Unresolved:    lo.Map(m.UnresolvedPaths(), func(p resource.Path, _ int) string { return p.String() }),
		FinalizeStage: m.FinalizeStage,
		LastFailure:   m.LastFailure,
		Updated:       humanize.Time(m.UpdatedAt),
	}
}

func mergeStateListExec(cmd *cobra.Command, args []string) error {
	iri, err := cmd.Flags().GetString("iri")
	if err != nil {
		return err
	}

	d, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	states, err := d.engine.MergeStates(cmd.Context(), iri)
	if err != nil {
		return err
	}

	log.PrintArray(cmd, lo.Map(states, func(m *mergestate.MergeState, _ int) mergeStateSummary { return summarize(m) }), map[string]string{
		"RootIRI":       "Package",
		"FinalizeStage": "Finalize stage",
		"LastFailure":   "Last failure",
	})
	return nil
}

func mergeStateShowExec(cmd *cobra.Command, args []string) error {
	withDiff, err := cmd.Flags().GetBool("diff")
	if err != nil {
		return err
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	d, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	m, err := d.engine.MergeState(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if asJSON {
		log.PrintValue(cmd, m, nil)
		return nil
	}

	log.PrettyPrint(cmd.Context(), summarize(m), nil)
	if !withDiff {
		return nil
	}

	l := log.From(cmd.Context())
	for _, c := range m.Unresolved() {
		diff, err := compare.UnifiedDiff(c)
		if err != nil {
			return err
		}
		l.Println("")
		l.Println(diff)
	}
	return nil
}

func mergeStateAbortExec(cmd *cobra.Command, args []string) error {
	d, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.engine.RemoveMergeState(cmd.Context(), args[0]); err != nil {
		return err
	}

	log.From(cmd.Context()).Printf("Removed merge state %s", args[0])
	return nil
}
