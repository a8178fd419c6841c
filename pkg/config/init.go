package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a sample configuration file to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var sampleTemplate = template.Must(template.New("config").Funcs(template.FuncMap{
	"yaml": yamlScalar,
}).Parse(`# DittoBox Configuration File
#
# Every value below is a default. Any key can also be set through the
# environment, e.g. DITTOBOX_ADAPTERS_BOX_PORT=9000.

logging:
  # DEBUG, INFO, WARN or ERROR
  level: {{ yaml .Logging.Level }}
  # text or json
  format: {{ yaml .Logging.Format }}
  # stdout, stderr or a file path
  output: {{ yaml .Logging.Output }}

server:
  # Bound on stopping the adapters, then on draining queued storage tasks
  shutdown_timeout: {{ .Server.ShutdownTimeout }}
  metrics:
    enabled: {{ .Server.Metrics.Enabled }}
    port: {{ .Server.Metrics.Port }}

accounts:
  # memory or badger
  store: {{ yaml .Accounts.Store }}
  badger:
    db_path: {{ yaml (index .Accounts.Badger "db_path") }}
  # Per-account limit in bytes; negative disables it
  quota_limit: {{ .Accounts.QuotaLimit }}
  # Count an overwritten file's old size as still used
  legacy_overwrite: {{ .Accounts.LegacyOverwrite }}
  # Accounts created at startup if missing
  seed: []
  #  - username: "hello"
  #    password: "hello1234"

storage:
  # filesystem, memory or s3
  type: {{ yaml .Storage.Type }}
  # Uploads are received here before being committed
  tmp_dir: {{ yaml .Storage.TmpDir }}
  filesystem:
    path: {{ yaml (index .Storage.Filesystem "path") }}
  # Abandoned uploads are removed from tmp_dir at startup and then
  # periodically once older than max_age
  gc:
    disabled: {{ .Storage.GC.Disabled }}
    interval: {{ .Storage.GC.Interval }}
    max_age: {{ .Storage.GC.MaxAge }}
    dry_run: {{ .Storage.GC.DryRun }}
  # s3:
  #   region: "us-east-1"
  #   bucket: "dittobox"
  #   key_prefix: ""
  #   endpoint: ""          # set for MinIO or Localstack
  #   access_key_id: ""
  #   secret_access_key: ""
  #   max_retries: 10

workers:
  # Goroutines executing uploads, downloads, deletes and listings
  storage: {{ .Workers.Storage }}

adapters:
  box:
    enabled: {{ .Adapters.Box.Enabled }}
    port: {{ .Adapters.Box.Port }}
    # Sessions served concurrently
    client_workers: {{ .Adapters.Box.ClientWorkers }}
    # Accepted connections waiting for a client worker
    admission_capacity: {{ .Adapters.Box.AdmissionCapacity }}
    # sentinel (payload ends with EOF) or length (4-byte size prefix)
    framing: {{ yaml .Adapters.Box.Framing }}
    max_upload_size: {{ .Adapters.Box.MaxUploadSize }}
    # 0 disables the idle timeout
    idle_timeout: {{ .Adapters.Box.IdleTimeout }}
    # New connections per second; 0 disables throttling
    accept_rate: {{ .Adapters.Box.AcceptRate }}
    accept_burst: {{ .Adapters.Box.AcceptBurst }}
    shutdown_timeout: {{ .Adapters.Box.ShutdownTimeout }}
    metrics_log_interval: {{ .Adapters.Box.MetricsLogInterval }}
`))

// generateYAMLWithComments renders cfg as a commented YAML document.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := sampleTemplate.Execute(&buf, cfg); err != nil {
		return "", err
	}

	var check map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &check); err != nil {
		return "", fmt.Errorf("generated config is not valid YAML: %w", err)
	}

	return buf.String(), nil
}

// yamlScalar encodes v as a single-line YAML value.
func yamlScalar(v any) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}
