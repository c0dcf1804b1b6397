package config

import (
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "LOOM"

// LoadConfig populates config from the config.yaml found in defaultPath, then merges every file in overrides on top
// in order, then applies environment variables (LOOM_SCHEDULING_ALGORITHM overrides scheduling.algorithm).
func LoadConfig(config interface{}, defaultPath string, overrides []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, path := range overrides {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		v.SetConfigFile(expanded)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", expanded)
		}
		log.Infof("Read config from %s", expanded)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}
