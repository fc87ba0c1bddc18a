package pipeline

import (
	"strings"

	"github.com/fyrsmithlabs/scribed/internal/assembler"
	"github.com/fyrsmithlabs/scribed/internal/governance"
)

func systemPrompt(role governance.Role) string {
	switch role {
	case governance.RoleIdeator:
		return "You propose concrete angles and ideas for the requested piece, grounded strictly in the provided context."
	case governance.RoleDrafter:
		return "You write a full draft from the selected ideas, using only the provided context and matching its voice."
	case governance.RoleCritic:
		return "You critique the draft for accuracy, tone and coverage. Flag any unverifiable, unsafe or contradictory claim explicitly."
	case governance.RoleRevisor:
		return "You revise the draft to address the critique without changing its meaning."
	case governance.RoleSummarizer:
		return "You condense the revised text, introducing no new vocabulary."
	}
	return ""
}

func ideationPrompt(prompt string, bundle *assembler.Bundle) string {
	var b strings.Builder
	b.WriteString("Propose ideas for: ")
	b.WriteString(prompt)
	b.WriteString("\n\nContext:\n")
	b.WriteString(bundle.Text())
	return b.String()
}

// draftingPrompt exposes only the personal and social slices of the
// bundle; the drafting stage never reads published or external
// material.
func draftingPrompt(prompt, ideas string, bundle *assembler.Bundle) string {
	var b strings.Builder
	b.WriteString("Draft the piece for: ")
	b.WriteString(prompt)
	b.WriteString("\n\nIdeas:\n")
	b.WriteString(ideas)
	b.WriteString("\n\nContext:\n")
	b.WriteString(domainText(bundle, governance.DomainPersonal, governance.DomainSocial))
	return b.String()
}

func critiquePrompt(prompt, draft string) string {
	var b strings.Builder
	b.WriteString("Critique this draft for: ")
	b.WriteString(prompt)
	b.WriteString("\n\nDraft:\n")
	b.WriteString(draft)
	return b.String()
}

func revisionPrompt(draft, critique string) string {
	var b strings.Builder
	b.WriteString("Revise the draft to address the critique.\n\nCritique:\n")
	b.WriteString(critique)
	b.WriteString("\n\nDraft:\n")
	b.WriteString(draft)
	return b.String()
}

func summaryPrompt(revised string) string {
	return "Condense the following without adding new vocabulary:\n\n" + revised
}

func domainText(bundle *assembler.Bundle, domains ...governance.Domain) string {
	allowed := make(map[governance.Domain]bool, len(domains))
	for _, d := range domains {
		allowed[d] = true
	}
	var parts []string
	for _, sn := range bundle.Snippets() {
		if allowed[sn.Domain] {
			parts = append(parts, sn.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
