package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// base carries the configuration shared by every built-in hook
type base struct {
	name    string
	events  []EventType
	enabled bool
	timeout time.Duration
}

func newBase(cfg Config) base {
	return base{name: cfg.Name, events: cfg.Events, enabled: cfg.Enabled, timeout: cfg.Timeout}
}

func (b base) Name() string            { return b.name }
func (b base) EventTypes() []EventType { return b.events }
func (b base) Enabled() bool           { return b.enabled }
func (b base) Timeout() time.Duration  { return b.timeout }

// ScriptHook runs a script with the event exported as FLOTILLA_* variables
type ScriptHook struct {
	base
	script string
	args   []string
	shell  string
}

// NewScriptHook creates a script hook. Config keys: script, args, shell.
func NewScriptHook(cfg Config) (Hook, error) {
	script, _ := cfg.Config["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("script path required")
	}
	h := &ScriptHook{base: newBase(cfg), script: script, shell: "/bin/sh"}
	h.args = stringList(cfg.Config["args"])
	if shell, _ := cfg.Config["shell"].(string); shell != "" {
		h.shell = shell
	}
	return h, nil
}

// Execute runs the script
func (h *ScriptHook) Execute(ctx context.Context, event *Event) error {
	cmd := exec.CommandContext(ctx, h.shell, append([]string{h.script}, h.args...)...)
	cmd.Env = append(os.Environ(), eventEnv(event)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("script %s: %w: %s", h.script, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// eventEnv renders an event as sorted FLOTILLA_* variables
func eventEnv(event *Event) []string {
	env := []string{
		"FLOTILLA_EVENT=" + string(event.Type),
		"FLOTILLA_PRD_ID=" + event.PRDID,
		"FLOTILLA_TIMESTAMP=" + event.Timestamp.Format(time.RFC3339),
	}
	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := "FLOTILLA_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(k))
		env = append(env, fmt.Sprintf("%s=%v", name, event.Data[k]))
	}
	return env
}

// WebhookHook POSTs the event as JSON
type WebhookHook struct {
	base
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookHook creates a webhook hook. Config keys: url, headers.
func NewWebhookHook(cfg Config) (Hook, error) {
	url, _ := cfg.Config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("webhook URL required")
	}
	h := &WebhookHook{
		base:    newBase(cfg),
		url:     url,
		headers: make(map[string]string),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
	if hdrs, ok := cfg.Config["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				h.headers[k] = s
			}
		}
	}
	return h, nil
}

// Execute sends the event
func (h *WebhookHook) Execute(ctx context.Context, event *Event) error {
	return postJSON(ctx, h.client, h.url, h.headers, event)
}

// SlackHook posts a short human-readable message to a Slack webhook
type SlackHook struct {
	base
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackHook creates a Slack hook. Config keys: webhook_url, channel, username.
func NewSlackHook(cfg Config) (Hook, error) {
	url, _ := cfg.Config["webhook_url"].(string)
	if url == "" {
		return nil, fmt.Errorf("slack webhook URL required")
	}
	h := &SlackHook{
		base:       newBase(cfg),
		webhookURL: url,
		username:   "flotilla",
		client:     &http.Client{Timeout: cfg.Timeout},
	}
	if ch, _ := cfg.Config["channel"].(string); ch != "" {
		h.channel = ch
	}
	if u, _ := cfg.Config["username"].(string); u != "" {
		h.username = u
	}
	return h, nil
}

// Execute posts the formatted message
func (h *SlackHook) Execute(ctx context.Context, event *Event) error {
	payload := map[string]string{
		"text":     FormatMessage(event),
		"username": h.username,
	}
	if h.channel != "" {
		payload["channel"] = h.channel
	}
	return postJSON(ctx, h.client, h.webhookURL, nil, payload)
}

// FormatMessage renders a one or two line summary of event
func FormatMessage(event *Event) string {
	switch event.Type {
	case EventPRDStart:
		return fmt.Sprintf("Started %s (%d tasks)", event.PRDID, event.GetInt("tasks"))
	case EventPRDComplete:
		return fmt.Sprintf("Completed %s: %d merged in %s", event.PRDID, event.GetInt("merged"), event.GetString("duration"))
	case EventPRDFailed:
		return fmt.Sprintf("Run of %s ended %s\nFailed: %d, cancelled: %d. %s",
			event.PRDID, event.GetString("outcome"), event.GetInt("failed"), event.GetInt("cancelled"), event.GetString("error"))
	case EventTaskFailed:
		return fmt.Sprintf("Task %s of %s failed: %s", event.GetString("task_id"), event.PRDID, event.GetString("error"))
	case EventMergeConflict:
		return fmt.Sprintf("Merge conflict on %s (task %s): %s",
			event.GetString("branch"), event.GetString("task_id"), event.GetString("files"))
	case EventCheckpointCreated:
		return fmt.Sprintf("Checkpoint for %s ready for review: %s", event.PRDID, event.GetString("url"))
	case EventApprovalPending:
		return fmt.Sprintf("Approval needed: %s %s (%s risk) from %s\nflotilla approvals show %s",
			event.GetString("phase"), event.GetString("operation"), event.GetString("risk"),
			event.GetString("agent_id"), event.GetString("request_id"))
	case EventApprovalDecided:
		return fmt.Sprintf("Approval %s: %s", event.GetString("request_id"), event.GetString("outcome"))
	default:
		return fmt.Sprintf("%s for %s", event.Type, event.PRDID)
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RegisterBuiltins makes the script, webhook and slack hook types available
func RegisterBuiltins(r *Registry) {
	r.RegisterFactory("script", NewScriptHook)
	r.RegisterFactory("webhook", NewWebhookHook)
	r.RegisterFactory("slack", NewSlackHook)
}
