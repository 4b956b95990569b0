package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/shsh-actions/internal/domain"
)

const proposalInstruction = `You propose at most one next action for the user's conversation.
Reply with a single JSON object and nothing else:
{"kind": "note" | "webhook" | "shell_command" | "none", "summary": "<one line>", "payload": {...}}
Payloads: note {"text"}; webhook {"url", "method", "body"}; shell_command {"command", "background"}.
Use "none" when no action would help.`

type proposalDoc struct {
	Kind    string          `json:"kind"`
	Summary string          `json:"summary"`
	Payload json.RawMessage `json:"payload"`
}

// parseProposal decodes a model reply. Code fences around the JSON are tolerated.
func parseProposal(raw string) (*domain.ActionProposal, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var doc proposalDoc
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	if doc.Kind == "" || doc.Kind == "none" {
		return nil, nil
	}

	proposal := &domain.ActionProposal{
		Kind:    domain.ActionKind(doc.Kind),
		Payload: doc.Payload,
		Summary: doc.Summary,
	}
	if err := proposal.Validate(); err != nil {
		return nil, err
	}
	return proposal, nil
}
