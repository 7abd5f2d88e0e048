package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukemcar/crm-service/pkg/automation"
)

func runMessagingServer(t *testing.T) *nats.Conn {

	s, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("messaging server did not start")
	}

	t.Cleanup(s.Shutdown)

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)

	t.Cleanup(nc.Close)

	return nc
}

func TestWebhookExecutor(t *testing.T) {

	var gotMethod, gotContentType, gotHeader string
	var gotBody *automation.EventContext

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotHeader = r.Header.Get("X-Token")

		gotBody = &automation.EventContext{}
		json.NewDecoder(r.Body).Decode(gotBody)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer ts.Close()

	executor := NewWebhookExecutor()

	result, err := executor.Execute(context.Background(), automation.ActionConfig{
		"url":    ts.URL,
		"method": "PUT",
		"headers": map[string]interface{}{
			"X-Token": "secret",
		},
	}, stageEnterEvent())
	require.NoError(t, err)

	assert.Equal(t, 200, result.Code)
	assert.Equal(t, []byte(`{"received":true}`), result.Body)

	assert.Equal(t, "PUT", gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "secret", gotHeader)
	require.NotNil(t, gotBody)
	assert.Equal(t, "deal-42", gotBody.EntityID)
}

func TestWebhookExecutorNonSuccessStatus(t *testing.T) {

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	executor := NewWebhookExecutor()

	_, err := executor.Execute(context.Background(), automation.ActionConfig{
		"url": ts.URL,
	}, stageEnterEvent())

	assert.ErrorContains(t, err, "webhook returned status 500")
}

func TestWebhookExecutorMissingURL(t *testing.T) {

	executor := NewWebhookExecutor()

	_, err := executor.Execute(context.Background(), automation.ActionConfig{}, stageEnterEvent())
	assert.ErrorContains(t, err, "requires url")
}

func TestEventExecutor(t *testing.T) {

	nc := runMessagingServer(t)

	received := make(chan *nats.Msg, 1)
	sub, err := nc.Subscribe("$CRM.crm.AUTOMATION.EVENT.ON_STAGE_ENTER", func(msg *nats.Msg) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	executor := NewEventExecutor(nc, "crm")

	_, err = executor.Execute(context.Background(), automation.ActionConfig{}, stageEnterEvent())
	require.NoError(t, err)

	select {
	case msg := <-received:
		ev := &automation.EventContext{}
		require.NoError(t, json.Unmarshal(msg.Data, ev))
		assert.Equal(t, testTenant, ev.TenantID)
		assert.Equal(t, "deal-42", ev.EntityID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not published")
	}
}

func TestEventExecutorCustomSubject(t *testing.T) {

	nc := runMessagingServer(t)

	received := make(chan *nats.Msg, 1)
	sub, err := nc.Subscribe("custom.subject", func(msg *nats.Msg) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	executor := NewEventExecutor(nc, "crm")

	_, err = executor.Execute(context.Background(), automation.ActionConfig{
		"subject": "custom.subject",
	}, stageEnterEvent())
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("event was not published on the configured subject")
	}
}

func TestWorkflowExecutor(t *testing.T) {

	nc := runMessagingServer(t)

	sub, err := nc.Subscribe("$CRM.crm.WORKFLOW.TRIGGER.wf-1", func(msg *nats.Msg) {
		msg.Respond([]byte(`{"accepted":true}`))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	executor := NewWorkflowExecutor(nc, "crm")

	result, err := executor.Execute(context.Background(), automation.ActionConfig{
		"workflow_id": "wf-1",
	}, stageEnterEvent())
	require.NoError(t, err)

	assert.Equal(t, []byte(`{"accepted":true}`), result.Body)
}

func TestWorkflowExecutorMissingWorkflowID(t *testing.T) {

	nc := runMessagingServer(t)

	executor := NewWorkflowExecutor(nc, "crm")

	_, err := executor.Execute(context.Background(), automation.ActionConfig{}, stageEnterEvent())
	assert.ErrorContains(t, err, "requires workflow_id")
}

func TestAIWorkerExecutor(t *testing.T) {

	nc := runMessagingServer(t)

	received := make(chan *nats.Msg, 1)
	sub, err := nc.Subscribe("$CRM.crm.AIWORKER.JOBS", func(msg *nats.Msg) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	executor := NewAIWorkerExecutor(nc, "crm")

	_, err = executor.Execute(context.Background(), automation.ActionConfig{
		"prompt": "summarize the deal",
	}, stageEnterEvent())
	require.NoError(t, err)

	select {
	case msg := <-received:
		var job map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Data, &job))
		assert.Contains(t, job, "config")
		assert.Contains(t, job, "event")
	case <-time.After(5 * time.Second):
		t.Fatal("job was not published")
	}
}
