package system

import (
	"database/sql"
	"net"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation/rule_store"
	"github.com/lukemcar/crm-service/pkg/connector"
)

const requestTimeout = 5 * time.Second

type testRPC struct {
	client *nats.Conn
	store  *rule_store.RuleStore
}

func newTestRPC(t *testing.T) *testRPC {

	logger = zap.NewExample()

	s, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("messaging server did not start")
	}

	t.Cleanup(s.Shutdown)

	viper.Set("messaging.host", "127.0.0.1")
	viper.Set("messaging.port", s.Addr().(*net.TCPAddr).Port)

	c := connector.New(zap.NewExample())
	require.NotNil(t, c.GetConnection())

	t.Cleanup(c.Close)

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	store, err := rule_store.NewRuleStore(db, zap.NewExample())
	require.NoError(t, err)

	rrpc := NewRuleRPC(c, store)
	require.NoError(t, rrpc.initialize())
	require.NoError(t, c.GetConnection().Flush())

	client, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)

	t.Cleanup(client.Close)

	return &testRPC{
		client: client,
		store:  store,
	}
}

func (rpc *testRPC) request(t *testing.T, op string, req interface{}, reply interface{}) {

	payload, err := json.Marshal(req)
	require.NoError(t, err)

	msg, err := rpc.client.Request("$CRM.crm.API.RULE."+op, payload, requestTimeout)
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal(msg.Data, reply))
}

func stageRuleSetting() *RuleSetting {
	return &RuleSetting{
		TenantID:        "tenant-1",
		EntityType:      "DEAL",
		ScopeType:       "PIPELINE_STAGE",
		PipelineStageID: "stage-b",
		TriggerEvent:    "ON_STAGE_ENTER",
		ActionType:      "WEBHOOK",
		ActionConfig: map[string]interface{}{
			"url": "https://hooks.example.com/deals",
		},
		Priority: 5,
	}
}

func TestRuleRPCCreateAndInfo(t *testing.T) {

	rpc := newTestRPC(t)

	var created CreateRuleReply
	rpc.request(t, "CREATE", &CreateRuleRequest{Setting: stageRuleSetting()}, &created)

	require.Nil(t, created.Error)
	require.NotNil(t, created.Setting)
	assert.NotEmpty(t, created.Setting.ID)
	assert.Equal(t, "PIPELINE_STAGE", created.Setting.ScopeType)
	require.NotNil(t, created.Setting.InheritTierActions)
	assert.True(t, *created.Setting.InheritTierActions)

	var info InfoRuleReply
	rpc.request(t, "INFO", &RuleIDRequest{TenantID: "tenant-1", ID: created.Setting.ID}, &info)

	require.Nil(t, info.Error)
	require.NotNil(t, info.Setting)
	assert.Equal(t, "stage-b", info.Setting.PipelineStageID)
	assert.Equal(t, "WEBHOOK", info.Setting.ActionType)
}

func TestRuleRPCCreateRejectsScopeMismatch(t *testing.T) {

	rpc := newTestRPC(t)

	// A stage rule must not carry a pipeline target
	setting := stageRuleSetting()
	setting.PipelineID = "pipe-1"

	var created CreateRuleReply
	rpc.request(t, "CREATE", &CreateRuleRequest{Setting: setting}, &created)

	require.NotNil(t, created.Error)
	assert.Equal(t, 44400, created.Error.Code)
	assert.Contains(t, created.Error.Message, "pipeline_id")
}

func TestRuleRPCList(t *testing.T) {

	rpc := newTestRPC(t)

	var created CreateRuleReply
	rpc.request(t, "CREATE", &CreateRuleRequest{Setting: stageRuleSetting()}, &created)
	require.Nil(t, created.Error)

	other := stageRuleSetting()
	other.EntityType = "CONTACT"
	other.ScopeType = "ENTITY"
	other.PipelineStageID = ""
	rpc.request(t, "CREATE", &CreateRuleRequest{Setting: other}, &created)
	require.Nil(t, created.Error)

	var listed ListRulesReply
	rpc.request(t, "LIST", &ListRulesRequest{TenantID: "tenant-1"}, &listed)
	require.Nil(t, listed.Error)
	assert.Len(t, listed.Rules, 2)

	rpc.request(t, "LIST", &ListRulesRequest{TenantID: "tenant-1", EntityType: "DEAL"}, &listed)
	require.Nil(t, listed.Error)
	require.Len(t, listed.Rules, 1)
	assert.Equal(t, "DEAL", listed.Rules[0].EntityType)

	rpc.request(t, "LIST", &ListRulesRequest{TenantID: "tenant-1", ScopeType: "BOGUS"}, &listed)
	require.NotNil(t, listed.Error)
	assert.Equal(t, 44400, listed.Error.Code)
}

func TestRuleRPCUpdate(t *testing.T) {

	rpc := newTestRPC(t)

	var created CreateRuleReply
	rpc.request(t, "CREATE", &CreateRuleRequest{Setting: stageRuleSetting()}, &created)
	require.Nil(t, created.Error)

	priority := 1
	var updated UpdateRuleReply
	rpc.request(t, "UPDATE", &UpdateRuleRequest{
		TenantID: "tenant-1",
		ID:       created.Setting.ID,
		Setting: &RuleSetting{
			Priority: priority,
		},
	}, &updated)

	require.Nil(t, updated.Error)
	require.NotNil(t, updated.Setting)
	assert.Equal(t, priority, updated.Setting.Priority)
	assert.Equal(t, "stage-b", updated.Setting.PipelineStageID)

	rpc.request(t, "UPDATE", &UpdateRuleRequest{
		TenantID: "tenant-1",
		ID:       "missing",
		Setting:  &RuleSetting{Priority: 3},
	}, &updated)

	require.NotNil(t, updated.Error)
	assert.Equal(t, 44404, updated.Error.Code)
}

func TestRuleRPCDisableAndDelete(t *testing.T) {

	rpc := newTestRPC(t)

	var created CreateRuleReply
	rpc.request(t, "CREATE", &CreateRuleRequest{Setting: stageRuleSetting()}, &created)
	require.Nil(t, created.Error)

	var reply RuleIDReply
	rpc.request(t, "DISABLE", &RuleIDRequest{TenantID: "tenant-1", ID: created.Setting.ID}, &reply)
	require.Nil(t, reply.Error)

	rule, err := rpc.store.Get("tenant-1", created.Setting.ID)
	require.NoError(t, err)
	assert.False(t, rule.Enabled)

	rpc.request(t, "DELETE", &RuleIDRequest{TenantID: "tenant-1", ID: created.Setting.ID}, &reply)
	require.Nil(t, reply.Error)

	_, err = rpc.store.Get("tenant-1", created.Setting.ID)
	assert.ErrorIs(t, err, rule_store.ErrRuleNotFound)

	rpc.request(t, "DELETE", &RuleIDRequest{TenantID: "tenant-1", ID: created.Setting.ID}, &reply)
	require.NotNil(t, reply.Error)
	assert.Equal(t, 44404, reply.Error.Code)
}
