package service

import (
	"strings"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

const continuePrompt = "Please continue."

// renderPrompt builds the agent prompt. System turns are collected into one
// leading block; the rest become Human/Assistant blocks in order. When the
// agent resumes a previous conversation only the new turns are rendered.
func renderPrompt(history, turns []domain.ConversationTurn, resumed bool) string {
	all := turns
	if !resumed && len(history) > 0 {
		all = make([]domain.ConversationTurn, 0, len(history)+len(turns))
		all = append(all, history...)
		all = append(all, turns...)
	}

	var system []string
	blocks := make([]string, 0, len(all)+1)
	lastRole := domain.Role("")
	for _, t := range all {
		switch t.Role {
		case domain.RoleSystem:
			system = append(system, t.Content)
			continue
		case domain.RoleAssistant:
			blocks = append(blocks, "Assistant: "+t.Content)
		default:
			blocks = append(blocks, "Human: "+t.Content)
		}
		lastRole = t.Role
	}
	// the agent only answers a human turn
	if lastRole != domain.RoleUser {
		blocks = append(blocks, "Human: "+continuePrompt)
	}
	if len(system) > 0 {
		blocks = append([]string{"System: " + strings.Join(system, "\n\n")}, blocks...)
	}
	return strings.Join(blocks, "\n\n")
}

// historyTurns returns the turns of a request that are kept in the session.
// System turns configure a single request and are not stored.
func historyTurns(turns []domain.ConversationTurn, reply string) []domain.ConversationTurn {
	kept := make([]domain.ConversationTurn, 0, len(turns)+1)
	for _, t := range turns {
		if t.Role == domain.RoleSystem {
			continue
		}
		kept = append(kept, t)
	}
	return append(kept, domain.ConversationTurn{Role: domain.RoleAssistant, Content: reply})
}

// estimateTokens approximates a token count as one token per four bytes.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func resolveUsage(reported *domain.Usage, prompt, content string) domain.Usage {
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		u := *reported
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	u := domain.Usage{
		PromptTokens:     estimateTokens(prompt),
		CompletionTokens: estimateTokens(content),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
