package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
	"github.com/lukemcar/crm-service/pkg/automation/dispatcher"
	"github.com/lukemcar/crm-service/pkg/automation/event_watcher"
	"github.com/lukemcar/crm-service/pkg/automation/ledger"
	"github.com/lukemcar/crm-service/pkg/automation/resolver"
	"github.com/lukemcar/crm-service/pkg/automation/rule_store"
	"github.com/lukemcar/crm-service/pkg/automation/storage"
	"github.com/lukemcar/crm-service/pkg/configs"
	"github.com/lukemcar/crm-service/pkg/connector"
	"github.com/lukemcar/crm-service/pkg/logger"
	"github.com/lukemcar/crm-service/pkg/system"
)

var config *configs.Config
var triggers []string

var rootCmd = &cobra.Command{
	Use:   "crm-automation",
	Short: "CRM automation engine",
	Long: `crm-automation evaluates declarative automation rules against domain
events and invokes the matching executors exactly once per logical trigger.`,
	RunE: func(cmd *cobra.Command, args []string) error {

		if err := run(); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	config = configs.GetConfig()

	rootCmd.Flags().StringSliceVar(&triggers, "triggers", []string{
		automation.TriggerOnCreate,
		automation.TriggerOnUpdate,
		automation.TriggerOnDelete,
		automation.TriggerOnStageEnter,
		automation.TriggerOnStageExit,
		automation.TriggerOnListAdded,
		automation.TriggerOnListRemoved,
	}, "Specify trigger events for watching")
}

func main() {

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newRuleStore(s *storage.Storage, l *zap.Logger) (*rule_store.RuleStore, error) {
	return rule_store.NewRuleStore(s.DB(), l)
}

func newLedger(s *storage.Storage, l *zap.Logger) (*ledger.Ledger, error) {
	return ledger.NewLedger(s.DB(), l)
}

func newExecutorRegistry(c *connector.Connector) *dispatcher.ExecutorRegistry {

	registry := dispatcher.NewExecutorRegistry()
	registry.Register(automation.ACTION_WEBHOOK, dispatcher.NewWebhookExecutor())
	registry.Register(automation.ACTION_EVENT, dispatcher.NewEventExecutor(c.GetConnection(), c.GetDomain()))
	registry.Register(automation.ACTION_WORKFLOW, dispatcher.NewWorkflowExecutor(c.GetConnection(), c.GetDomain()))
	registry.Register(automation.ACTION_AIWORKER, dispatcher.NewAIWorkerExecutor(c.GetConnection(), c.GetDomain()))

	return registry
}

func newDispatcher(l *zap.Logger, r *resolver.Resolver, led *ledger.Ledger, registry *dispatcher.ExecutorRegistry) *dispatcher.Dispatcher {
	return dispatcher.New(l, r, led, registry)
}

func startWatcher(l *zap.Logger, c *connector.Connector, d *dispatcher.Dispatcher) error {

	watcher := event_watcher.NewEventWatcher(c.GetConnection(), c.GetDomain(), l)

	watcher.Watch(func(ev *automation.EventContext) {
		d.Push(ev)
	})

	for _, trigger := range config.Triggers {
		if err := watcher.RegisterTrigger(trigger); err != nil {
			return err
		}
	}

	return nil
}

func run() error {

	config.SetConfigs(map[string]interface{}{})
	config.AddTriggers(triggers)

	fx.New(
		fx.Supply(config),
		fx.Provide(
			logger.GetLogger,
			connector.New,
			storage.New,
			newRuleStore,
			newLedger,
			resolver.New,
			newExecutorRegistry,
			newDispatcher,
		),
		fx.Invoke(system.New),
		fx.Invoke(startWatcher),
		fx.NopLogger,
	).Run()

	return nil
}
