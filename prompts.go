package latentcontext

// promptTemplates holds the static strings a host can ask for by name —
// boilerplate instructional text describing how to use the tool surface,
// not anything derived from stored memories.
var promptTemplates = map[string]string{
	"memory_usage_guide": "Use memory_store to save durable facts, preferences, events, summaries, or core identity " +
		"statements as they come up in conversation. Use memory_retrieve before answering questions that may depend " +
		"on prior context. Content shorter than ten words will be rejected; write complete, self-contained statements.",

	"session_start_notice": "A new session has begun. Prior working memory has been archived and cleared; only " +
		"durable summaries, core memory and the knowledge graph carry over.",

	"compression_notice": "Working memory is approaching its budget. Consider calling memory_compress with scope " +
		"\"working\" to consolidate it into a durable summary before it is compressed automatically.",

	"forget_usage_guide": "Use memory_forget with action \"correct\" to replace outdated content, \"deprecate\" to " +
		"flag it without deleting, or \"delete\" to remove it and its vectors entirely.",
}

// PromptTemplate returns the static prompt text registered under name, or
// ("", false) if no such template exists.
func PromptTemplate(name string) (string, bool) {
	t, ok := promptTemplates[name]
	return t, ok
}

// PromptTemplateNames returns the names of every registered template, for
// a host that wants to enumerate what's available.
func PromptTemplateNames() []string {
	names := make([]string, 0, len(promptTemplates))
	for name := range promptTemplates {
		names = append(names, name)
	}
	return names
}
