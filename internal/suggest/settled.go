package suggest

import (
	"bytes"
	"encoding/json"

	"github.com/ashureev/shsh-actions/internal/domain"
)

// settled reports whether the latest user turn was already acted on: an
// action proposed at or after it is pending, finished or was declined.
// A failed action leaves the turn open so it can be proposed again.
func settled(conv domain.Conversation) bool {
	turn, ok := conv.LastByRole(domain.RoleUser)
	if !ok {
		return false
	}
	for _, a := range conv.Actions {
		if a.CreatedAt.Before(turn.CreatedAt) {
			continue
		}
		if a.Status != domain.StatusFailed {
			return true
		}
	}
	return false
}

// duplicate reports whether p repeats an action that is still awaiting a
// decision or running.
func duplicate(conv domain.Conversation, p *domain.ActionProposal) bool {
	for _, a := range conv.Actions {
		switch a.Status {
		case domain.StatusProposed, domain.StatusConfirmed, domain.StatusExecuting:
		default:
			continue
		}
		if a.Kind == p.Kind && samePayload(a.Payload, p.Payload) {
			return true
		}
	}
	return false
}

// samePayload compares two JSON documents ignoring key order and spacing.
func samePayload(a, b json.RawMessage) bool {
	ca, errA := canonical(a)
	cb, errB := canonical(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func canonical(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
