package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. OPSFLOW_BATCH_SIZE.
const EnvPrefix = "OPSFLOW"

// Load reads a pipeline configuration from a YAML file. ${VAR} references in
// the file are substituted first, then OPSFLOW_* environment variables
// override individual keys. An empty path yields defaults plus env.
func Load(filePath string) (*PipelineConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: path supplied by operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		content := substituteEnvVars(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg := Default()
	err := v.Unmarshal(cfg, viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers scalar keys so AutomaticEnv can override them even
// when the file omits them.
func setDefaults(v *viper.Viper, d *PipelineConfig) {
	v.SetDefault("name", d.Name)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)
	v.SetDefault("mongo.uri", d.Mongo.URI)
	v.SetDefault("mongo.database", d.Mongo.Database)
	v.SetDefault("staging.backend", d.Staging.Backend)
	v.SetDefault("staging.error_rate_threshold", d.Staging.ErrorRateThreshold)
	v.SetDefault("staging.retention_days", d.Staging.RetentionDays)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("batch.size", d.Batch.Size)
	v.SetDefault("batch.workers", d.Batch.Workers)
	v.SetDefault("scheduler.tick", d.Scheduler.Tick)
	v.SetDefault("scheduler.trigger_ttl", d.Scheduler.TriggerTTL)
	v.SetDefault("queue.backend", d.Queue.Backend)
	v.SetDefault("queue.topic", d.Queue.Topic)
	v.SetDefault("queue.group", d.Queue.Group)
	v.SetDefault("archive.backend", d.Archive.Backend)
	v.SetDefault("archive.path", d.Archive.Path)
	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
}

// LoadYAML decodes an arbitrary YAML document (for example a jobs file)
// into out after ${VAR} substitution.
func LoadYAML(filePath string, out interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path supplied by operator
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), out); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
