package catalog

import "hivewatch/internal/domain"

// Default is the catalog a fresh backend starts with when no catalog file
// is configured.
func Default() Catalog {
	return Catalog{
		Agents: []domain.AgentDetail{
			{
				Name:         "orchestrator",
				Description:  "Splits a request and delegates the parts.",
				SystemPrompt: "You coordinate specialists and merge their answers.",
				Tools:        []string{"researcher", "calculator", "writer"},
			},
			{
				Name:         "researcher",
				Description:  "Looks things up.",
				SystemPrompt: "You gather facts and cite sources.",
				Tools:        []string{"web_search", "summarizer"},
			},
			{
				Name:         "summarizer",
				Description:  "Condenses long text.",
				SystemPrompt: "You write short summaries.",
				Tools:        []string{},
			},
			{
				Name:         "writer",
				Description:  "Drafts the final answer.",
				SystemPrompt: "You write clear prose.",
				Tools:        []string{"spell_check", "summarizer"},
			},
		},
		Tools: []domain.ToolInfo{
			{Name: "calculator", Description: "Evaluates arithmetic."},
			{Name: "web_search", Description: "Searches the web."},
			{Name: "spell_check", Description: "Checks spelling."},
		},
	}
}
