// Package suggest derives a proposed next action from a conversation.
package suggest

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/ashureev/shsh-actions/internal/domain"
)

var (
	backtickCmd = regexp.MustCompile("`([^`]+)`")
	urlPattern  = regexp.MustCompile(`https?://[^\s"'<>]+`)
)

// Verb lists are matched fuzzily so typos still trigger a proposal.
var (
	noteVerbs   = []string{"remind", "remember", "note", "todo", "jot"}
	runVerbs    = []string{"run", "execute", "exec"}
	notifyVerbs = []string{"notify", "post", "send", "trigger", "ping", "call"}
)

// Heuristic proposes actions from the last user message without a model.
type Heuristic struct{}

// Propose returns nil when nothing in the conversation calls for an action.
func (Heuristic) Propose(conv domain.Conversation) *domain.ActionProposal {
	msg, ok := conv.LastByRole(domain.RoleUser)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}
	words := strings.Fields(strings.ToLower(text))

	if m := backtickCmd.FindStringSubmatch(text); m != nil {
		return shellProposal(strings.TrimSpace(m[1]), strings.Contains(strings.ToLower(text), "background"))
	}

	if u := urlPattern.FindString(text); u != "" {
		u = strings.TrimRight(u, ".,;:!?)")
		method := "GET"
		if matchAny(words, notifyVerbs) {
			method = "POST"
		}
		return webhookProposal(u, method)
	}

	if len(words) > 1 && fuzzyMatch(words[0], runVerbs) {
		return shellProposal(strings.Join(strings.Fields(text)[1:], " "), false)
	}

	if matchAny(words, noteVerbs) {
		return noteProposal(stripLead(text))
	}
	return nil
}

func shellProposal(cmd string, background bool) *domain.ActionProposal {
	if cmd == "" {
		return nil
	}
	payload, _ := json.Marshal(domain.ShellCommandPayload{Command: cmd, Background: background})
	return &domain.ActionProposal{Kind: domain.KindShellCommand, Payload: payload, Summary: "Run `" + cmd + "`"}
}

func webhookProposal(u, method string) *domain.ActionProposal {
	payload, _ := json.Marshal(domain.WebhookPayload{URL: u, Method: method})
	return &domain.ActionProposal{Kind: domain.KindWebhook, Payload: payload, Summary: method + " " + u}
}

func noteProposal(text string) *domain.ActionProposal {
	if text == "" {
		return nil
	}
	payload, _ := json.Marshal(domain.NotePayload{Text: text})
	return &domain.ActionProposal{Kind: domain.KindNote, Payload: payload, Summary: "Save note: " + text}
}

// stripLead drops a leading "remind me to" style phrase.
func stripLead(text string) string {
	lower := strings.ToLower(text)
	for _, lead := range []string{"remind me to ", "remember to ", "remember that ", "note that ", "note: ", "todo: ", "remind me "} {
		if strings.HasPrefix(lower, lead) {
			return strings.TrimSpace(text[len(lead):])
		}
	}
	return text
}

func matchAny(words, verbs []string) bool {
	for _, w := range words {
		if fuzzyMatch(strings.Trim(w, ".,;:!?"), verbs) {
			return true
		}
	}
	return false
}

// fuzzyMatch allows one edit for words of five letters or more.
func fuzzyMatch(word string, verbs []string) bool {
	for _, v := range verbs {
		if word == v {
			return true
		}
		if len(v) >= 5 && len(word) >= 5 && levenshtein.ComputeDistance(word, v) <= 1 {
			return true
		}
	}
	return false
}
