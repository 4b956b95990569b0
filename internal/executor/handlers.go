package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/shsh-actions/internal/container"
	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/ashureev/shsh-actions/internal/store"
)

// NoteHandler appends the note to the session history.
type NoteHandler struct {
	Store store.ConversationStore
}

// Execute implements Handler.
func (h NoteHandler) Execute(ctx context.Context, action *domain.AgentAction) Result {
	var p domain.NotePayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return failed(fmt.Errorf("%w: decode note payload: %v", shared.ErrExecutionFailed, err))
	}
	msg := domain.Message{Role: domain.RoleNote, Content: p.Text, CreatedAt: time.Now()}
	if err := h.Store.AppendMessage(ctx, action.SessionID, msg); err != nil {
		return failed(fmt.Errorf("%w: save note: %v", shared.ErrExecutionFailed, err))
	}
	return ok(map[string]any{"saved": true, "text": p.Text})
}

const maxWebhookResponseBytes = 16 * 1024

// WebhookHandler performs the HTTP request described by the payload.
type WebhookHandler struct {
	Client       *http.Client
	AllowedHosts []string
}

// Execute implements Handler.
func (h WebhookHandler) Execute(ctx context.Context, action *domain.AgentAction) Result {
	var p domain.WebhookPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return failed(fmt.Errorf("%w: decode webhook payload: %v", shared.ErrExecutionFailed, err))
	}
	target, err := url.Parse(p.URL)
	if err != nil {
		return failed(fmt.Errorf("%w: invalid url: %v", shared.ErrExecutionFailed, err))
	}
	if !hostAllowed(target.Hostname(), h.AllowedHosts) {
		return failed(fmt.Errorf("%w: host %q is not allowed", shared.ErrExecutionFailed, target.Hostname()))
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return failed(fmt.Errorf("%w: build request: %v", shared.ErrExecutionFailed, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Action-ID", action.ID)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return failed(fmt.Errorf("%w: request: %v", shared.ErrExecutionFailed, err))
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	out := map[string]any{"status": resp.StatusCode, "body": string(snippet)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res := ok(out)
		res.Err = fmt.Errorf("%w: webhook returned %d", shared.ErrExecutionFailed, resp.StatusCode)
		return res
	}
	return ok(out)
}

// hostAllowed matches exact hosts and subdomains. An empty list allows all.
func hostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// ShellHandler runs commands in the session's sandbox container.
type ShellHandler struct {
	Manager container.Manager
	// Container, when set, is used for every session instead of a per-session sandbox.
	Container string
}

// Execute implements Handler.
func (h ShellHandler) Execute(ctx context.Context, action *domain.AgentAction) Result {
	var p domain.ShellCommandPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return failed(fmt.Errorf("%w: decode shell payload: %v", shared.ErrExecutionFailed, err))
	}

	containerID := h.Container
	if containerID == "" {
		id, err := h.Manager.EnsureSandbox(ctx, action.SessionID)
		if err != nil {
			return failed(fmt.Errorf("%w: sandbox: %v", shared.ErrExecutionFailed, err))
		}
		containerID = id
	}

	if p.Background {
		return h.dispatch(ctx, containerID, p.Command)
	}

	res, err := h.Manager.Exec(ctx, containerID, p.Command)
	if err != nil {
		return failed(fmt.Errorf("%w: exec: %v", shared.ErrExecutionFailed, err))
	}
	out := ok(res)
	if res.ExitCode != 0 {
		out.Err = fmt.Errorf("%w: command exited with code %d", shared.ErrExecutionFailed, res.ExitCode)
	}
	return out
}

func (h ShellHandler) dispatch(ctx context.Context, containerID, cmd string) Result {
	execID, err := h.Manager.StartDetached(ctx, containerID, cmd)
	if err != nil {
		return failed(fmt.Errorf("%w: dispatch: %v", shared.ErrExecutionFailed, err))
	}

	return Result{Poll: func(ctx context.Context) (domain.ExecutionResult, bool, error) {
		st, err := h.Manager.InspectExec(ctx, execID)
		if err != nil {
			return domain.ExecutionResult{}, false, err
		}
		if st.Running {
			return domain.ExecutionResult{}, false, nil
		}
		out, _ := json.Marshal(map[string]any{"execId": execID, "exitCode": st.ExitCode})
		res := domain.ExecutionResult{Output: out}
		if st.ExitCode != 0 {
			res.Err = fmt.Errorf("%w: command exited with code %d", shared.ErrExecutionFailed, st.ExitCode)
		}
		return res, true, nil
	}}
}

func ok(v any) Result {
	out, err := json.Marshal(v)
	if err != nil {
		return failed(fmt.Errorf("%w: encode result: %v", shared.ErrExecutionFailed, err))
	}
	return Result{ExecutionResult: domain.ExecutionResult{Output: out}}
}
