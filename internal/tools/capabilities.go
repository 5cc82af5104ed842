package tools

import "github.com/haasonsaas/steward/internal/agent"

// Catalogue returns the built-in capability catalogue the router selects
// from. Tools listed under a capability stay hidden from the model until the
// capability is active; everything else is always offered.
func Catalogue() []agent.Capability {
	return []agent.Capability{
		{
			Name:        "files",
			Description: "Create and modify files in the workspace.",
			Instructions: "You may write files inside the workspace. Keep edits " +
				"minimal and confirm destructive changes with the user first.",
			Tools: []string{"write_file"},
		},
		{
			Name:        "shell",
			Description: "Run shell commands in the workspace.",
			Instructions: "Shell commands run with the workspace as the working " +
				"directory and are killed at the tool timeout. Prefer short, " +
				"non-interactive commands.",
			Tools: []string{"shell"},
		},
		{
			Name:        "web",
			Description: "Fetch content from the web over HTTP.",
			Instructions: "Fetch pages with web_fetch. Quote sources when you use " +
				"fetched material in an answer.",
			Tools: []string{"web_fetch"},
		},
		{
			Name:        "automation",
			Description: "Set up recurring scheduled tasks.",
			Instructions: "Use schedule to register recurring prompts. Always state " +
				"the cron expression and timezone back to the user.",
			Tools: []string{"schedule"},
		},
	}
}
