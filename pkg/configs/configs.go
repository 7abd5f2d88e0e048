package configs

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Triggers []string
}

func GetConfig() *Config {

	// From the environment
	viper.SetEnvPrefix("CRM_AUTOMATION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// From config file
	viper.SetConfigName("config")
	viper.AddConfigPath("./")
	viper.AddConfigPath("./configs")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("No configuration file was loaded")
	}

	config := &Config{
		Triggers: make([]string, 0),
	}

	// Specify trigger events from environment variable for watching
	triggers := viper.GetStringSlice("TRIGGERS")
	for _, t := range triggers {
		config.Triggers = append(config.Triggers, t)
	}

	return config
}

func (config *Config) FindTrigger(trigger string) int {

	for i, t := range config.Triggers {
		if trigger == t {
			return i
		}
	}

	return -1
}

func (config *Config) AddTriggers(triggers []string) {

	for _, trigger := range triggers {
		if config.FindTrigger(trigger) == -1 {
			config.Triggers = append(config.Triggers, trigger)
		}
	}
}

func (config *Config) SetConfigs(configs map[string]interface{}) {

	for k, v := range configs {
		if !viper.IsSet(k) {
			viper.Set(k, v)
		}
	}
}
