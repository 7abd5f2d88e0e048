package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"

	"github.com/lukemcar/crm-service/pkg/automation"
)

const (
	DefaultWebhookTimeout   = 15 * time.Second
	DefaultWorkflowTimeout  = 30 * time.Second
	DefaultMaxResponseBytes = 1024 * 1024 // 1MB

	workflowSubject = "$CRM.%s.WORKFLOW.TRIGGER.%s"
	eventSubject    = "$CRM.%s.AUTOMATION.EVENT.%s"
	aiworkerSubject = "$CRM.%s.AIWORKER.JOBS"
)

// WebhookExecutor delivers the event context to an HTTP endpoint named by
// the rule's action config.
type WebhookExecutor struct {
	client *http.Client
}

func NewWebhookExecutor() *WebhookExecutor {

	viper.SetDefault("executor.webhook.timeout", DefaultWebhookTimeout)

	return &WebhookExecutor{
		client: &http.Client{
			Timeout: viper.GetDuration("executor.webhook.timeout"),
		},
	}
}

func (e *WebhookExecutor) Execute(ctx context.Context, config automation.ActionConfig, ev *automation.EventContext) (*Result, error) {

	url, ok := config["url"].(string)
	if !ok || len(url) == 0 {
		return nil, fmt.Errorf("webhook config requires url")
	}

	method := http.MethodPost
	if m, ok := config["method"].(string); ok && len(m) > 0 {
		method = m
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if headers, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return &Result{
		Code: resp.StatusCode,
		Body: body,
	}, nil
}

// EventExecutor publishes the event context to the messaging layer so other
// services can react.
type EventExecutor struct {
	conn   *nats.Conn
	domain string
}

func NewEventExecutor(conn *nats.Conn, domain string) *EventExecutor {
	return &EventExecutor{
		conn:   conn,
		domain: domain,
	}
}

func (e *EventExecutor) Execute(ctx context.Context, config automation.ActionConfig, ev *automation.EventContext) (*Result, error) {

	subject, ok := config["subject"].(string)
	if !ok || len(subject) == 0 {
		subject = fmt.Sprintf(eventSubject, e.domain, ev.TriggerEvent)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	err = e.conn.Publish(subject, payload)
	if err != nil {
		return nil, err
	}

	return &Result{}, nil
}

// WorkflowExecutor hands the event off to the orchestration engine and
// waits for its acknowledgement.
type WorkflowExecutor struct {
	conn    *nats.Conn
	domain  string
	timeout time.Duration
}

func NewWorkflowExecutor(conn *nats.Conn, domain string) *WorkflowExecutor {

	viper.SetDefault("executor.workflow.timeout", DefaultWorkflowTimeout)

	return &WorkflowExecutor{
		conn:    conn,
		domain:  domain,
		timeout: viper.GetDuration("executor.workflow.timeout"),
	}
}

func (e *WorkflowExecutor) Execute(ctx context.Context, config automation.ActionConfig, ev *automation.EventContext) (*Result, error) {

	workflowID, ok := config["workflow_id"].(string)
	if !ok || len(workflowID) == 0 {
		return nil, fmt.Errorf("workflow config requires workflow_id")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	subject := fmt.Sprintf(workflowSubject, e.domain, workflowID)

	reply, err := e.conn.Request(subject, payload, e.timeout)
	if err != nil {
		return nil, err
	}

	return &Result{
		Body: reply.Data,
	}, nil
}

// AIWorkerExecutor submits a job to the AI job runner queue.
type AIWorkerExecutor struct {
	conn   *nats.Conn
	domain string
}

func NewAIWorkerExecutor(conn *nats.Conn, domain string) *AIWorkerExecutor {
	return &AIWorkerExecutor{
		conn:   conn,
		domain: domain,
	}
}

func (e *AIWorkerExecutor) Execute(ctx context.Context, config automation.ActionConfig, ev *automation.EventContext) (*Result, error) {

	job := map[string]interface{}{
		"config": config,
		"event":  ev,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	subject, ok := config["queue"].(string)
	if !ok || len(subject) == 0 {
		subject = fmt.Sprintf(aiworkerSubject, e.domain)
	}

	err = e.conn.Publish(subject, payload)
	if err != nil {
		return nil, err
	}

	return &Result{}, nil
}
