package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Keys that can be supplied through the environment as VRJLS_<KEY> with dots
// replaced by underscores, e.g. VRJLS_ENGINE_COMMAND.
var envKeys = []string{
	"engine.command",
	"engine.args",
	"engine.max_line_bytes",
	"engine.max_restarts",
	"engine.initial_backoff",
	"engine.max_backoff",
	"engine.reset_window",
	"debounce",
	"context_range",
	"completion_timeout",
	"store_path",
	"monitor_addr",
}

// NewViper returns a viper instance wired to the VRJLS_ environment. When
// path is not empty the file is read as well; its format follows the
// extension.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("VRJLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Environment values arrive as strings and need converting before they are
// decoded into Config.
var (
	intKeys   = map[string]bool{"engine.max_line_bytes": true, "engine.max_restarts": true, "context_range": true}
	sliceKeys = map[string]bool{"engine.args": true, "trigger_characters": true}
)

// FromViper overlays everything v knows about on the defaults.
func FromViper(v *viper.Viper) (Config, error) {
	settings := map[string]any{}
	for _, key := range v.AllKeys() {
		if !v.IsSet(key) {
			continue
		}

		var value any
		switch {
		case intKeys[key]:
			value = v.GetInt(key)
		case sliceKeys[key]:
			value = v.GetStringSlice(key)
		default:
			value = v.Get(key)
		}
		setPath(settings, strings.Split(key, "."), value)
	}
	return Load(settings)
}

func setPath(m map[string]any, path []string, value any) {
	for _, part := range path[:len(path)-1] {
		child, ok := m[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			m[part] = child
		}
		m = child
	}
	m[path[len(path)-1]] = value
}
