package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Plugin is one executable action kind. RenderInputs turns an alert and a
// strategy action into the string inputs Perform consumes; Perform returns
// collected outputs for the instance record.
type Plugin interface {
	Type() string
	RenderInputs(a *models.Alert, act models.StrategyAction) map[string]string
	Perform(ctx context.Context, inst *models.ActionInstance) (map[string]string, error)
}

// PluginRegistry is built at startup and injected into the action workers.
type PluginRegistry struct {
	plugins map[string]Plugin
}

func NewPluginRegistry(plugins ...Plugin) *PluginRegistry {
	r := &PluginRegistry{plugins: map[string]Plugin{}}
	for _, p := range plugins {
		r.plugins[p.Type()] = p
	}
	return r
}

func (r *PluginRegistry) Register(p Plugin) { r.plugins[p.Type()] = p }

func (r *PluginRegistry) Lookup(pluginType string) Plugin { return r.plugins[pluginType] }

// renderBase fills the inputs every plugin shares.
func renderBase(a *models.Alert, act models.StrategyAction) map[string]string {
	inputs := map[string]string{
		"alert_id":   a.ID,
		"alert_name": a.AlertName,
		"severity":   strconv.Itoa(a.Severity),
		"status":     string(a.Status),
		"bk_biz_id":  strconv.Itoa(a.BizID),
		"begin_time": time.Unix(a.BeginTime, 0).Format(time.RFC3339),
	}
	for k, v := range a.Dimensions {
		inputs["dim."+k] = v
	}
	for k, v := range act.Options {
		inputs[k] = v
	}
	return inputs
}

func renderText(inputs map[string]string) (title, text string) {
	title = fmt.Sprintf("[%s] %s (severity %s)", inputs["status"], inputs["alert_name"], inputs["severity"])
	var b strings.Builder
	fmt.Fprintf(&b, "alert %s, business %s, began %s\n", inputs["alert_id"], inputs["bk_biz_id"], inputs["begin_time"])
	for k, v := range inputs {
		if strings.HasPrefix(k, "dim.") {
			fmt.Fprintf(&b, "%s = %s\n", strings.TrimPrefix(k, "dim."), v)
		}
	}
	return title, b.String()
}

// NoticePlugin fans the rendered message out to every configured channel.
// A channel failure fails the instance; delivered channels are recorded in
// the outputs so the retry only names what is still missing.
type NoticePlugin struct {
	Notifiers []Notifier
}

func (NoticePlugin) Type() string { return "notice" }

func (p NoticePlugin) RenderInputs(a *models.Alert, act models.StrategyAction) map[string]string {
	return renderBase(a, act)
}

func (p NoticePlugin) Perform(ctx context.Context, inst *models.ActionInstance) (map[string]string, error) {
	title, text := renderText(inst.Inputs)
	outputs := map[string]string{}
	var failed []string
	for _, n := range p.Notifiers {
		if inst.Outputs["sent."+n.Name()] == "true" {
			outputs["sent."+n.Name()] = "true"
			continue
		}
		if err := n.Send(ctx, title, text); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", n.Name(), err))
			continue
		}
		outputs["sent."+n.Name()] = "true"
	}
	if len(failed) > 0 {
		return outputs, fmt.Errorf("notify failed: %s", strings.Join(failed, "; "))
	}
	return outputs, nil
}

// WebhookPlugin posts the alert payload to the url named in the action
// options.
type WebhookPlugin struct {
	Timeout time.Duration
}

func (WebhookPlugin) Type() string { return "webhook" }

func (p WebhookPlugin) RenderInputs(a *models.Alert, act models.StrategyAction) map[string]string {
	return renderBase(a, act)
}

func (p WebhookPlugin) Perform(ctx context.Context, inst *models.ActionInstance) (map[string]string, error) {
	url := inst.Inputs["url"]
	if url == "" {
		return nil, fmt.Errorf("webhook action without url option")
	}
	data, _ := json.Marshal(inst.Inputs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: p.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	outputs := map[string]string{
		"status_code": strconv.Itoa(resp.StatusCode),
		"body":        string(body),
	}
	if resp.StatusCode >= 300 {
		return outputs, fmt.Errorf("webhook status=%d", resp.StatusCode)
	}
	return outputs, nil
}

// JobPlugin submits a script execution to the job executor service and
// records the returned job instance id.
type JobPlugin struct {
	ExecutorURL string
	Timeout     time.Duration
}

func (JobPlugin) Type() string { return "job" }

func (p JobPlugin) RenderInputs(a *models.Alert, act models.StrategyAction) map[string]string {
	return renderBase(a, act)
}

func (p JobPlugin) Perform(ctx context.Context, inst *models.ActionInstance) (map[string]string, error) {
	if p.ExecutorURL == "" {
		return nil, fmt.Errorf("job executor url not configured")
	}
	payload := map[string]any{
		"script_id": inst.Inputs["script_id"],
		"params":    inst.Inputs,
		"alert_ids": inst.AlertIDs,
	}
	data, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ExecutorURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: p.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("job executor status=%d", resp.StatusCode)
	}
	var res struct {
		JobInstanceID string `json:"job_instance_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode job executor response: %w", err)
	}
	return map[string]string{"job_instance_id": res.JobInstanceID}, nil
}

// CompositePlugin runs a list of child plugin types in order; the first
// failure stops the chain.
type CompositePlugin struct {
	Registry *PluginRegistry
}

func (CompositePlugin) Type() string { return "composite" }

func (p CompositePlugin) RenderInputs(a *models.Alert, act models.StrategyAction) map[string]string {
	return renderBase(a, act)
}

func (p CompositePlugin) Perform(ctx context.Context, inst *models.ActionInstance) (map[string]string, error) {
	chain := strings.Split(inst.Inputs["chain"], ",")
	outputs := map[string]string{}
	for _, childType := range chain {
		childType = strings.TrimSpace(childType)
		if childType == "" || childType == p.Type() {
			continue
		}
		child := p.Registry.Lookup(childType)
		if child == nil {
			return outputs, fmt.Errorf("composite chain names unknown plugin %q", childType)
		}
		childOut, err := child.Perform(ctx, inst)
		for k, v := range childOut {
			outputs[childType+"."+k] = v
		}
		if err != nil {
			return outputs, fmt.Errorf("composite step %s: %w", childType, err)
		}
	}
	return outputs, nil
}
