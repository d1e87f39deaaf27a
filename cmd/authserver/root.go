package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/signing"
	"github.com/fitmetrics/authserver/storage"
	"github.com/fitmetrics/authserver/storage/memory"
	"github.com/fitmetrics/authserver/storage/postgres"
	"github.com/fitmetrics/authserver/storage/valkey"
)

// cli carries the state shared by every command.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        *appConfig
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "authserver",
		Short:        "OAuth 2.0 authorization server with rotating JWKS signing keys",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	cmd.SetVersionTemplate(`{{printf "authserver version %s\n" .Version}}`)

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "path to a YAML config file")
	flags.String("issuer", "", "issuer URL of the authorization server")
	flags.String("storage-backend", "", "storage backend: memory, valkey or postgres")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")

	for key, name := range map[string]string{
		"issuer":          "issuer",
		"storage.backend": "storage-backend",
		"log.level":       "log-level",
		"log.format":      "log-format",
	} {
		// unset flags fall back to the config file, environment and defaults
		if err := c.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	cmd.AddCommand(
		newServeCmd(c),
		newKeysCmd(c),
		newClientsCmd(c),
	)
	return cmd
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore connects the configured backend. The returned func releases it.
func (c *cli) openStore(ctx context.Context) (storage.Store, func(), error) {
	cfg := c.cfg
	switch cfg.Storage.Backend {
	case backendValkey:
		store, err := valkey.New(valkey.Config{
			Address:      cfg.Storage.Valkey.Address,
			Password:     cfg.Storage.Valkey.Password,
			DB:           cfg.Storage.Valkey.DB,
			KeyPrefix:    cfg.Storage.Valkey.KeyPrefix,
			DisableCache: cfg.Storage.Valkey.DisableCache,
			Logger:       c.logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open valkey storage: %w", err)
		}
		return store, store.Close, nil

	case backendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Storage.Postgres.DSN,
			MaxConns: cfg.Storage.Postgres.MaxConns,
			Logger:   c.logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		store := memory.New()
		store.SetLogger(c.logger)
		return store, store.Stop, nil
	}
}

// requirePersistentStore rejects the memory backend for commands whose
// effect would vanish with the process.
func (c *cli) requirePersistentStore() error {
	if c.cfg.Storage.Backend == backendMemory {
		return fmt.Errorf("this command needs a persistent storage backend (valkey or postgres)")
	}
	return nil
}

// newKeyManager creates a key manager over store and loads its persisted keys.
func (c *cli) newKeyManager(ctx context.Context, store storage.KeyStore, auditor *security.Auditor) (*keys.Manager, error) {
	var key []byte
	if c.cfg.Keys.EncryptionKey != "" {
		var err error
		key, err = security.KeyFromBase64(c.cfg.Keys.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid keys.encryption_key: %w", err)
		}
	}
	encryptor, err := security.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	if !encryptor.IsEnabled() && c.cfg.Storage.Backend != backendMemory {
		c.logger.Warn("⚠️  SECURITY WARNING: signing keys are stored unencrypted",
			"risk", "anyone with storage access can forge tokens",
			"recommendation", "set keys.encryption_key")
	}

	mgr, err := keys.NewManager(keys.Config{
		KeySize:          c.cfg.Keys.Size,
		MaxRetainedKeys:  c.cfg.Keys.MaxRetained,
		RotationInterval: c.cfg.Keys.RotationInterval,
		CheckInterval:    c.cfg.Keys.CheckInterval,
		Store:            store,
		Encryptor:        encryptor,
		Logger:           c.logger,
		Auditor:          auditor,
	})
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	return mgr, nil
}

func (c *cli) newSigner(mgr *keys.Manager) (*signing.Signer, error) {
	audience := c.cfg.OAuth.Audience
	if audience == "" {
		audience = c.cfg.Issuer
	}
	return signing.NewSigner(mgr, signing.Config{
		Issuer:   c.cfg.Issuer,
		Audience: audience,
		Leeway:   c.cfg.clockSkew(),
	})
}
