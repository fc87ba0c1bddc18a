package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/scribed/internal/governance"
	"github.com/fyrsmithlabs/scribed/internal/snippet"
)

var (
	ingestDomain      string
	ingestAttribution string
	ingestTags        []string
	ingestNote        string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Add an attributed snippet to the corpus",
	Long: `Add one attributed snippet to the persistent corpus, from a file or
stdin. The attribution is required; unattributed text never enters a
bundle.

Examples:
  # Ingest a journal entry
  scribed ingest --domain personal --attribution journal/2026-08-30 entry.txt

  # Ingest from stdin
  cat post.txt | scribed ingest --domain social --attribution mastodon/123 -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDomain, "domain", "", "snippet domain: personal|social|published|external (required)")
	ingestCmd.Flags().StringVar(&ingestAttribution, "attribution", "", "source locator for the snippet (required)")
	ingestCmd.Flags().StringSliceVar(&ingestTags, "tag", nil, "tags, repeatable")
	ingestCmd.Flags().StringVar(&ingestNote, "note", "", "free-form usage note")
	_ = ingestCmd.MarkFlagRequired("domain")
	_ = ingestCmd.MarkFlagRequired("attribution")
}

func runIngest(cmd *cobra.Command, args []string) error {
	domain, err := governance.ParseDomain(ingestDomain)
	if err != nil {
		return err
	}

	var text []byte
	if len(args) == 0 || args[0] == "-" {
		text, err = io.ReadAll(cmd.InOrStdin())
	} else {
		text, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read snippet text: %w", err)
	}
	if strings.TrimSpace(string(text)) == "" {
		return fmt.Errorf("empty snippet text")
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	sn := snippet.Snippet{
		ID:          uuid.NewString(),
		Text:        string(text),
		Domain:      domain,
		Timestamp:   time.Now().UTC(),
		Tags:        ingestTags,
		Attribution: ingestAttribution,
		UsageNote:   ingestNote,
	}
	if err := a.source.Add(cmd.Context(), sn); err != nil {
		return fmt.Errorf("store snippet: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "stored %s in %s\n", sn.ID, domain)
	return nil
}
