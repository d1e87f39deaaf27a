package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/signing"
	"github.com/fitmetrics/authserver/storage/memory"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if cfg.Storage.Backend != backendMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Keys.RotationInterval != 30*24*time.Hour {
		t.Errorf("Keys.RotationInterval = %v, want 720h", cfg.Keys.RotationInterval)
	}
	if !cfg.Metrics.Enabled || !cfg.Audit {
		t.Error("metrics and audit should default to enabled")
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authserver.yaml")
	content := `
issuer: https://auth.fitmetrics.test
storage:
  backend: postgres
  postgres:
    dsn: postgres://authserver@localhost/authserver
    cleanup_interval: 5m
keys:
  size: 3072
  check_interval: 10m
oauth:
  supported_scopes: [read, write]
  authorization_code_ttl: 300
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("AUTHSERVER_LOG_FORMAT", "json")
	t.Setenv("AUTHSERVER_OAUTH_LOGIN_URL", "https://auth.fitmetrics.test/login")

	cfg, err := loadConfig(viper.New(), path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Issuer != "https://auth.fitmetrics.test" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if cfg.Storage.Postgres.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.Storage.Postgres.CleanupInterval)
	}
	if cfg.Keys.Size != 3072 || cfg.Keys.CheckInterval != 10*time.Minute {
		t.Errorf("Keys = %+v", cfg.Keys)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json from the environment", cfg.Log.Format)
	}

	srvCfg := cfg.serverConfig()
	if srvCfg.LoginURL != "https://auth.fitmetrics.test/login" {
		t.Errorf("LoginURL = %q", srvCfg.LoginURL)
	}
	if len(srvCfg.SupportedScopes) != 2 || srvCfg.AuthorizationCodeTTL != 300 {
		t.Errorf("server config = %+v", srvCfg)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"AUTHSERVER_STORAGE_BACKEND": "sqlite"}},
		{name: "valkey without address", env: map[string]string{"AUTHSERVER_STORAGE_BACKEND": "valkey"}},
		{name: "postgres without dsn", env: map[string]string{"AUTHSERVER_STORAGE_BACKEND": "postgres"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(viper.New(), ""); err == nil {
				t.Error("loadConfig() error = nil, want error")
			}
		})
	}

	if _, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadConfig(missing file) error = nil, want error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record logged at warn level")
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &record); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, out)
	}
	if record["msg"] != "shown" || record["key"] != "value" {
		t.Errorf("record = %v", record)
	}
}

func TestPrintOutput(t *testing.T) {
	infos := []keyInfo{{KID: "key_20260115_100000_0a1b2c3d", Bits: 2048, Active: true}}

	var yamlOut bytes.Buffer
	if err := printOutput(&yamlOut, outputYAML, infos, nil); err != nil {
		t.Fatalf("printOutput(yaml) error = %v", err)
	}
	var decoded []keyInfo
	if err := yaml.Unmarshal(yamlOut.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if len(decoded) != 1 || decoded[0].KID != infos[0].KID || !decoded[0].Active {
		t.Errorf("decoded = %+v", decoded)
	}

	var table bytes.Buffer
	err := printOutput(&table, outputTable, infos, func(tw *tabwriter.Writer) {
		tw.Write([]byte("KID\tACTIVE\n" + infos[0].KID + "\ttrue\n"))
	})
	if err != nil {
		t.Fatalf("printOutput(table) error = %v", err)
	}
	if !strings.Contains(table.String(), infos[0].KID) {
		t.Errorf("table output = %q", table.String())
	}

	if err := printOutput(&table, "xml", infos, nil); err == nil {
		t.Error("printOutput(xml) error = nil, want error")
	}
}

func TestAppConfig_ClockSkew(t *testing.T) {
	cfg, err := loadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if got := cfg.clockSkew(); got != security.DefaultClockSkewGracePeriod {
		t.Errorf("clockSkew() = %v, want %v", got, security.DefaultClockSkewGracePeriod)
	}
	if !cfg.LogClientIPs {
		t.Error("LogClientIPs should default to enabled")
	}

	t.Setenv("AUTHSERVER_OAUTH_CLOCK_SKEW_GRACE_PERIOD", "30")
	cfg, err = loadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if got := cfg.clockSkew(); got != 30*time.Second {
		t.Errorf("clockSkew() = %v, want 30s", got)
	}
	if got := cfg.serverConfig().ClockSkewGracePeriod; got != 30 {
		t.Errorf("ClockSkewGracePeriod = %d, want 30", got)
	}
}

func TestCLI_NewSignerToleratesClockSkew(t *testing.T) {
	ctx := context.Background()
	cfg, err := loadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	cfg.Issuer = "https://auth.fitmetrics.test"
	cfg.Keys.Size = keys.MinKeySize
	c := &cli{cfg: cfg, logger: newLogger(io.Discard, "error", "text")}

	store := memory.New()
	t.Cleanup(store.Stop)
	mgr, err := c.newKeyManager(ctx, store, nil)
	if err != nil {
		t.Fatalf("newKeyManager() error = %v", err)
	}
	if err := mgr.EnsureActiveKey(ctx); err != nil {
		t.Fatalf("EnsureActiveKey() error = %v", err)
	}
	signer, err := c.newSigner(mgr)
	if err != nil {
		t.Fatalf("newSigner() error = %v", err)
	}

	tests := []struct {
		name    string
		ahead   time.Duration
		wantErr bool
	}{
		{name: "issuer clock slightly ahead", ahead: 3 * time.Second},
		{name: "issuer clock far ahead", ahead: time.Minute, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := signer.NewClaims("user-1", "", signing.TokenUseAccess, time.Hour)
			issued := jwt.NewNumericDate(time.Now().Add(tt.ahead))
			claims.IssuedAt = issued
			claims.NotBefore = issued

			token, err := signer.Sign(claims)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			_, err = signer.Verify(token, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
