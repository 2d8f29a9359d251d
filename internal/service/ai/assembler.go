package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/dustin/go-humanize"

	"github.com/atlastree/explorer/backend/internal/config"
	"github.com/atlastree/explorer/backend/internal/model/chat"
)

// Input is one assembled generation request: the system prompt, a bounded
// window of prior turns, and the new user query with its context block
// already folded in. Ephemeral, never persisted.
type Input struct {
	System  string
	History []*schema.Message
	Query   string
}

// ChainVariables maps the input onto the chat chain's template slots.
func (in Input) ChainVariables() map[string]any {
	return map[string]any{
		"system":  in.System,
		"history": in.History,
		"query":   in.Query,
	}
}

// Assembler validates client page context and merges it with the system
// prompt and a trailing window of history into a generation request.
type Assembler struct {
	cfg config.ChatConfig
}

// NewAssembler builds an assembler bounded by the chat configuration.
func NewAssembler(cfg config.ChatConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Build assembles the generation input. history is the session transcript as
// it stood before userMessage was appended. An empty or fully invalid context
// is not an error; the prompt simply goes out without a context block.
func (a *Assembler) Build(history []chat.Message, userMessage string, pageCtx *chat.PageContext) Input {
	system := a.cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	query := userMessage
	if block := a.formatContext(pageCtx.Sanitize()); block != "" {
		query += block
	}

	return Input{
		System:  system,
		History: a.historyWindow(history),
		Query:   query,
	}
}

// historyWindow returns the most recent messages, newest-last, bounded both
// by the configured message cap and by a character budget.
func (a *Assembler) historyWindow(history []chat.Message) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	start := len(history)
	used := 0
	for start > 0 {
		if a.cfg.MaxHistoryLength > 0 && len(history)-start >= a.cfg.MaxHistoryLength {
			break
		}
		candidate := history[start-1]
		if a.cfg.HistoryCharBudget > 0 && used+len(candidate.Content) > a.cfg.HistoryCharBudget {
			break
		}
		used += len(candidate.Content)
		start--
	}

	window := make([]*schema.Message, 0, len(history)-start)
	for _, msg := range history[start:] {
		switch msg.Role {
		case chat.RoleUser:
			window = append(window, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			window = append(window, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return window
}

// formatContext renders the sanitized page context into a readable prompt
// addition, capped at the configured character limit.
func (a *Assembler) formatContext(pageCtx *chat.PageContext) string {
	if pageCtx.IsEmpty() {
		return ""
	}

	parts := make([]string, 0, 5)

	if pageCtx.CurrentNode != "" {
		parts = append(parts, fmt.Sprintf("Current node: %s", pageCtx.CurrentNode))
	}
	if pageCtx.CurrentProgram != "" {
		parts = append(parts, fmt.Sprintf("Current program: %s", pageCtx.CurrentProgram))
	}
	if pageCtx.PageType != "" {
		parts = append(parts, fmt.Sprintf("Page type: %s", pageCtx.PageType))
	}

	if info := pageCtx.NodeInfo; info != nil {
		infoParts := make([]string, 0, 3)
		if info.CellCount != nil {
			infoParts = append(infoParts, fmt.Sprintf("%s cells", humanize.Comma(*info.CellCount)))
		}
		if info.GeneCount != nil {
			infoParts = append(infoParts, fmt.Sprintf("%s genes", humanize.Comma(*info.GeneCount)))
		}
		if info.ProgramCount != nil {
			infoParts = append(infoParts, fmt.Sprintf("%d programs", *info.ProgramCount))
		}
		if len(infoParts) > 0 {
			parts = append(parts, fmt.Sprintf("Node contains: %s", strings.Join(infoParts, ", ")))
		}
	}

	if len(pageCtx.VisibleData) > 0 {
		parts = append(parts, fmt.Sprintf("Currently visible: %s", strings.Join(pageCtx.VisibleData, ", ")))
	}

	if len(parts) == 0 {
		return ""
	}

	block := "\n\nCurrent context: " + strings.Join(parts, " | ")
	if a.cfg.ContextCharLimit > 0 && len(block) > a.cfg.ContextCharLimit {
		// Back up to a rune boundary so the cap never splits a multi-byte
		// character in a node or program name.
		cut := a.cfg.ContextCharLimit
		for cut > 0 && !utf8.RuneStart(block[cut]) {
			cut--
		}
		block = block[:cut]
	}
	return block
}
