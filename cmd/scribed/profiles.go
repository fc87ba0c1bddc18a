package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/scribed/internal/config"
	"github.com/fyrsmithlabs/scribed/internal/governance"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Print the effective permission table",
	Long: `Print the per-role permission profiles after config overrides are
applied: generation-call budgets, allowed domains and retrieval
allowances.`,
	RunE: runProfiles,
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	table, err := governance.NewTable(cfg.Governance.Roles)
	if err != nil {
		return err
	}
	renderProfiles(cmd.OutOrStdout(), table)
	return nil
}

func renderProfiles(w io.Writer, table governance.Table) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tCALLS\tDOMAINS\tEXTERNAL RETRIEVAL\tMID-STAGE RETRIEVAL")
	for _, role := range governance.AllRoles() {
		p := table[role]
		domains := make([]string, 0, len(p.AllowedDomains))
		for _, d := range p.Domains() {
			domains = append(domains, string(d))
		}
		domainCol := strings.Join(domains, ",")
		if domainCol == "" {
			domainCol = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%v\t%v\n",
			role, p.MaxGenerationCalls, domainCol, p.ExternalRetrieval, p.MidStageRetrieval)
	}
	tw.Flush()
}
