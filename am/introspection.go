package am

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceFile        ConfigSource = "file"
	SourceEnvironment ConfigSource = "environment" // CADENCE_* env vars
)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key    string       `json:"key"`
	Value  interface{}  `json:"value"`
	Source ConfigSource `json:"source"`
}

// Settings flattens every effective setting of v with the source it came from,
// sorted by key. Used by `cadence am show`.
func Settings(v *viper.Viper) []SettingInfo {
	var out []SettingInfo
	flattenSettings(v, v.AllSettings(), "", &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func flattenSettings(v *viper.Viper, settings map[string]interface{}, prefix string, out *[]SettingInfo) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			flattenSettings(v, nested, fullKey, out)
			continue
		}

		source := SourceDefault
		if v.InConfig(fullKey) {
			source = SourceFile
		}
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(fullKey, ".", "_"))
		if _, ok := os.LookupEnv(envKey); ok {
			source = SourceEnvironment
		}

		// Never echo credentials
		if (fullKey == "database.dsn" || fullKey == "delivery.webhook_url") && value != "" {
			value = "********"
		}

		*out = append(*out, SettingInfo{Key: fullKey, Value: value, Source: source})
	}
}
