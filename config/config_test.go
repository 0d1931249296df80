package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadInDir runs Load with the working directory switched to dir so the
// YAML overlay resolves against a controlled location.
func loadInDir(t *testing.T, dir string) (*Config, error) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadInDir(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "audit_log", cfg.Audit.TableName)
	assert.False(t, cfg.Audit.WriteLogs)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.Host)
	assert.Equal(t, "gemma2:2b", cfg.Ollama.Model)
	assert.True(t, cfg.Ollama.DownloadModel)
	assert.Equal(t, "none", cfg.Cache.Type)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Empty(t, cfg.Filters.InputPipes)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("SECURAG_SERVER_DB_URI", "data/audit.db")
	t.Setenv("SECURAG_SERVER_TABLE_NAME", "turn_audit")
	t.Setenv("SECURAG_SERVER_WRITE_LOGS", "true")
	t.Setenv("OLLAMA_DOWNLOAD_MODEL", "false")
	t.Setenv("HF_AUTH_TOKEN", "hf_secret")
	t.Setenv("LOGGING_FORMAT", "json")

	cfg, err := loadInDir(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "data/audit.db", cfg.Audit.DBURI)
	assert.Equal(t, "turn_audit", cfg.Audit.TableName)
	assert.True(t, cfg.Audit.WriteLogs)
	assert.False(t, cfg.Ollama.DownloadModel)
	assert.Equal(t, "hf_secret", cfg.Filters.HFAuthToken)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: "7000"
audit:
  db_uri: audit.db
  write_logs: true
filters:
  raise_on_flag: true
  input_pipes:
    - name: input-screen
      type: thread
      flagging_strategy: any
      stop_on_flag: true
      max_workers: 4
      audit: true
      modules:
        - name: keyword-policy
          type: keyword
          audit: true
          keyword:
            thresholds:
              1: ["top secret"]
              2: ["internal", "confidential"]
        - name: injection-classifier
          type: http
          http:
            url: https://classifier.example/score
            query_field: inputs
            timeout_ms: 3000
            scoring_field: "[0][?label=='INJECTION'].score | [0]"
            flagging_thresh: 0.5
            default_flag_on_fail: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := loadInDir(t, dir)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.True(t, cfg.Audit.WriteLogs)
	assert.True(t, cfg.Filters.RaiseOnFlag)

	require.Len(t, cfg.Filters.InputPipes, 1)
	p := cfg.Filters.InputPipes[0]
	assert.Equal(t, "input-screen", p.Name)
	assert.Equal(t, "thread", p.Type)
	assert.Equal(t, 4, p.MaxWorkers)

	require.Len(t, p.Modules, 2)
	assert.Equal(t, "keyword", p.Modules[0].Type)
	assert.Equal(t, []string{"top secret"}, p.Modules[0].Keyword.Thresholds[1])
	assert.Equal(t, []string{"internal", "confidential"}, p.Modules[0].Keyword.Thresholds[2])
	assert.Equal(t, "http", p.Modules[1].Type)
	assert.Equal(t, 3000, p.Modules[1].HTTP.TimeoutMS)
}

func TestLoad_EnvWinsOverYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("server:\n  port: \"7000\"\n"), 0o644))
	t.Setenv("PORT", "7001")

	cfg, err := loadInDir(t, dir)
	require.NoError(t, err)
	assert.Equal(t, "7001", cfg.Server.Port)
}

func TestLoad_YAMLVariableExpansion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("audit:\n  table_name: ${AUDIT_TABLE:-fallback_table}\n"), 0o644))

	cfg, err := loadInDir(t, dir)
	require.NoError(t, err)
	assert.Equal(t, "fallback_table", cfg.Audit.TableName)

	t.Setenv("AUDIT_TABLE", "expanded_table")
	cfg, err = loadInDir(t, dir)
	require.NoError(t, err)
	assert.Equal(t, "expanded_table", cfg.Audit.TableName)
}

func TestValidate_TableName(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Audit.TableName = "audit-log; DROP TABLE users"
	assert.Error(t, cfg.Validate())

	cfg.Audit.TableName = "audit_log"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_WriteLogsRequiresURI(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Audit.WriteLogs = true
	cfg.Audit.DBURI = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECURAG_SERVER_DB_URI is empty")
}

func TestValidate_PipeAndModuleTypes(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Filters.InputPipes = []PipeConfig{{
		Name: "p", Type: "parallel",
	}}
	assert.Error(t, cfg.Validate())

	cfg.Filters.InputPipes = []PipeConfig{{
		Name: "p", Type: "thread",
		Modules: []ModuleConfig{{Name: "m", Type: "bayesian"}},
	}}
	assert.Error(t, cfg.Validate())

	cfg.Filters.InputPipes = []PipeConfig{{
		Name: "p", Type: "thread",
		Modules: []ModuleConfig{{Name: "m", Type: "keyword"}},
	}}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_CacheType(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Cache.Type = "memcached"
	assert.Error(t, cfg.Validate())

	cfg.Cache.Type = "redis"
	assert.Error(t, cfg.Validate(), "redis without a url must fail")

	cfg.Cache.Redis.URL = "redis://localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("true"))
	assert.True(t, parseBool("TRUE"))
	assert.True(t, parseBool("1"))
	assert.False(t, parseBool("false"))
	assert.False(t, parseBool("yes"))
	assert.False(t, parseBool(""))
}
