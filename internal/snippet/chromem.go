package snippet

import (
	"context"
	"fmt"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scribed/internal/extraction"
	"github.com/fyrsmithlabs/scribed/internal/governance"
	"github.com/fyrsmithlabs/scribed/internal/logging"
)

// ChromemSource serves snippets from an embedded chromem-go database,
// one collection per domain. Persistence is optional; an empty path
// keeps everything in memory.
type ChromemSource struct {
	db       *chromem.DB
	embedder Embedder
	logger   *logging.Logger
}

// collectionName maps a domain to its collection.
func collectionName(d governance.Domain) string {
	return "scribed_" + string(d)
}

// NewChromemSource opens or creates the store at path. An empty path
// yields an in-memory store.
func NewChromemSource(path string, embedder Embedder, logger *logging.Logger) (*ChromemSource, error) {
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open snippet store: %w", err)
		}
	}

	return &ChromemSource{db: db, embedder: embedder, logger: logger}, nil
}

// embeddingFunc adapts the Embedder to chromem's callback.
func (s *ChromemSource) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

// Add ingests one snippet into its domain collection. Voice terms are
// harvested from the text when the snippet carries none.
func (s *ChromemSource) Add(ctx context.Context, sn Snippet) error {
	if sn.ID == "" {
		return fmt.Errorf("snippet missing id")
	}
	if sn.Attribution == "" {
		return fmt.Errorf("snippet %s missing attribution", sn.ID)
	}

	col, err := s.db.GetOrCreateCollection(collectionName(sn.Domain), nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("collection %s: %w", sn.Domain, err)
	}

	voiceTerms := sn.VoiceTerms
	if len(voiceTerms) == 0 {
		voiceTerms = extraction.VoiceTerms(sn.Text)
	}
	ts := sn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	doc := chromem.Document{
		ID:      sn.ID,
		Content: sn.Text,
		Metadata: map[string]string{
			"attribution": sn.Attribution,
			"domain":      string(sn.Domain),
			"tags":        strings.Join(sn.Tags, ","),
			"voice_terms": strings.Join(voiceTerms, "|"),
			"usage_note":  sn.UsageNote,
			"timestamp":   ts.Format(time.RFC3339),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add snippet %s: %w", sn.ID, err)
	}
	return nil
}

// Query implements Source.
func (s *ChromemSource) Query(ctx context.Context, domain governance.Domain, prompt string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	col := s.db.GetCollection(collectionName(domain), s.embeddingFunc())
	if col == nil {
		// Nothing ingested for this domain yet.
		return nil, nil
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := col.Query(ctx, prompt, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", domain, err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		sn := fromResult(r, domain)
		if sn.Attribution == "" {
			// Unattributed content never leaves the source.
			s.logger.Warn(ctx, "dropping unattributed snippet", zap.String("id", r.ID))
			continue
		}
		snippets = append(snippets, sn)
	}
	return snippets, nil
}

// Domains implements Source. The chromem source can serve any domain
// that has a collection.
func (s *ChromemSource) Domains() []governance.Domain {
	var out []governance.Domain
	for _, d := range governance.AllDomains() {
		if s.db.GetCollection(collectionName(d), s.embeddingFunc()) != nil {
			out = append(out, d)
		}
	}
	return out
}

func fromResult(r chromem.Result, domain governance.Domain) Snippet {
	sn := Snippet{
		ID:          r.ID,
		Text:        r.Content,
		Domain:      domain,
		Attribution: r.Metadata["attribution"],
		UsageNote:   r.Metadata["usage_note"],
		Score:       float64(r.Similarity),
	}
	if tags := r.Metadata["tags"]; tags != "" {
		sn.Tags = strings.Split(tags, ",")
	}
	if terms := r.Metadata["voice_terms"]; terms != "" {
		sn.VoiceTerms = strings.Split(terms, "|")
	}
	if ts, err := time.Parse(time.RFC3339, r.Metadata["timestamp"]); err == nil {
		sn.Timestamp = ts
	}
	return sn
}
