package system

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation/rule_store"
	"github.com/lukemcar/crm-service/pkg/configs"
	"github.com/lukemcar/crm-service/pkg/connector"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var logger *zap.Logger

// System exposes the administration surface of the automation engine:
// rule CRUD over NATS request/reply, giving rule authors synchronous
// validation errors.
type System struct {
	config    *configs.Config
	connector *connector.Connector
	ruleStore *rule_store.RuleStore

	ruleRPC *RuleRPC
}

func New(lifecycle fx.Lifecycle, config *configs.Config, l *zap.Logger, c *connector.Connector, store *rule_store.RuleStore) *System {

	logger = l.Named("System")

	system := &System{
		config:    config,
		connector: c,
		ruleStore: store,
	}

	lifecycle.Append(
		fx.Hook{
			OnStart: func(context.Context) error {
				return system.initialize()
			},
			OnStop: func(ctx context.Context) error {
				return nil
			},
		},
	)

	return system
}

func (system *System) initialize() error {

	logger.Info("Initializing admin surface...")

	system.ruleRPC = NewRuleRPC(system.connector, system.ruleStore)
	err := system.ruleRPC.initialize()
	if err != nil {
		return err
	}

	return nil
}
