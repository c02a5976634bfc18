package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type PairingConfig struct {
	WatchdogMS        int    `koanf:"watchdog_ms" mapstructure:"watchdog_ms"`
	CodeDelayMS       int    `koanf:"code_delay_ms" mapstructure:"code_delay_ms"`
	FlushWaitMS       int    `koanf:"flush_wait_ms" mapstructure:"flush_wait_ms"`
	NotifyTimeoutMS   int    `koanf:"notify_timeout_ms" mapstructure:"notify_timeout_ms"`
	BundleFile        string `koanf:"bundle_file" mapstructure:"bundle_file"`
	DisableSelfNotify bool   `koanf:"disable_self_notify" mapstructure:"disable_self_notify"`
	ConfirmationText  string `koanf:"confirmation_text" mapstructure:"confirmation_text"`
}

type IdentityConfig struct {
	SessionPrefix    string `koanf:"session_prefix" mapstructure:"session_prefix"`
	CredentialPrefix string `koanf:"credential_prefix" mapstructure:"credential_prefix"`
	Length           int    `koanf:"length" mapstructure:"length"`
}

type ScratchConfig struct {
	Root         string `koanf:"root" mapstructure:"root"`
	StaleAfterMS int    `koanf:"stale_after_ms" mapstructure:"stale_after_ms"`
}

type StorageConfig struct {
	BaseURL      string `koanf:"base_url" mapstructure:"base_url"`
	APIKey       string `koanf:"api_key" mapstructure:"api_key"`
	UploadPath   string `koanf:"upload_path" mapstructure:"upload_path"`
	DownloadPath string `koanf:"download_path" mapstructure:"download_path"`
	TimeoutMS    int    `koanf:"timeout_ms" mapstructure:"timeout_ms"`
	MaxAttempts  int    `koanf:"max_attempts" mapstructure:"max_attempts"`
	BackoffMS    int    `koanf:"backoff_ms" mapstructure:"backoff_ms"`
	CacheTTLMS   int    `koanf:"cache_ttl_ms" mapstructure:"cache_ttl_ms"`
}

type SealConfig struct {
	Recipients []string `koanf:"recipients" mapstructure:"recipients"`
}

type ServerConfig struct {
	Addr           string `koanf:"addr" mapstructure:"addr"`
	IdentityParam  string `koanf:"identity_param" mapstructure:"identity_param"`
	ReadTimeoutMS  int    `koanf:"read_timeout_ms" mapstructure:"read_timeout_ms"`
	ShutdownMS     int    `koanf:"shutdown_ms" mapstructure:"shutdown_ms"`
	MaxConcurrency int    `koanf:"max_concurrency" mapstructure:"max_concurrency"`
}

type LedgerConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type ConnectionConfig struct {
	Driver               string `koanf:"driver" mapstructure:"driver"`
	SimulatedPairAfterMS int    `koanf:"simulated_pair_after_ms" mapstructure:"simulated_pair_after_ms"`
}

type CleanupConfig struct {
	MaxAttempts int `koanf:"max_attempts" mapstructure:"max_attempts"`
	BackoffMS   int `koanf:"backoff_ms" mapstructure:"backoff_ms"`
	Workers     int `koanf:"workers" mapstructure:"workers"`
}

type LogConfig struct {
	Level  string `koanf:"level" mapstructure:"level"`
	Format string `koanf:"format" mapstructure:"format"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Pairing     PairingConfig    `koanf:"pairing" mapstructure:"pairing"`
	Identity    IdentityConfig   `koanf:"identity" mapstructure:"identity"`
	Scratch     ScratchConfig    `koanf:"scratch" mapstructure:"scratch"`
	Storage     StorageConfig    `koanf:"storage" mapstructure:"storage"`
	Seal        SealConfig       `koanf:"seal" mapstructure:"seal"`
	Server      ServerConfig     `koanf:"server" mapstructure:"server"`
	Ledger      LedgerConfig     `koanf:"ledger" mapstructure:"ledger"`
	Connection  ConnectionConfig `koanf:"connection" mapstructure:"connection"`
	Cleanup     CleanupConfig    `koanf:"cleanup" mapstructure:"cleanup"`
	Log         LogConfig        `koanf:"log" mapstructure:"log"`
}

const DefaultConfirmationText = "Your session is linked. Keep the credential id above private; it restores this session."

func DefaultConfig() Config {
	return Config{
		ServiceName: "pairing",
		Pairing: PairingConfig{
			WatchdogMS:       120000,
			CodeDelayMS:      1500,
			FlushWaitMS:      200,
			NotifyTimeoutMS:  5000,
			BundleFile:       "creds.json",
			ConfirmationText: DefaultConfirmationText,
		},
		Identity: IdentityConfig{
			SessionPrefix:    "PAIR",
			CredentialPrefix: "TERAN-XMD",
			Length:           22,
		},
		Scratch: ScratchConfig{
			Root:         "temp",
			StaleAfterMS: 600000,
		},
		Storage: StorageConfig{
			UploadPath:   "/api/uploadCreds.php",
			DownloadPath: "/api/downloadCreds.php",
			TimeoutMS:    10000,
			MaxAttempts:  3,
			BackoffMS:    500,
			CacheTTLMS:   60000,
		},
		Server: ServerConfig{
			Addr:          ":8000",
			IdentityParam: "number",
			ReadTimeoutMS: 15000,
			ShutdownMS:    10000,
		},
		Ledger: LedgerConfig{
			Driver: "sqlite3",
			DSN:    "file:pairing?mode=memory&cache=shared&_foreign_keys=on",
		},
		Connection: ConnectionConfig{
			Driver:               "simulated",
			SimulatedPairAfterMS: 3000,
		},
		Cleanup: CleanupConfig{
			MaxAttempts: 5,
			BackoffMS:   1000,
			Workers:     1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate fails fast on missing remote storage settings; there is no
// per-session fallback that skips the upload.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Storage.BaseURL) == "" {
		return fmt.Errorf("core: storage.base_url is required")
	}
	if parsed, err := url.Parse(c.Storage.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("core: storage.base_url is invalid")
	}
	if strings.TrimSpace(c.Storage.APIKey) == "" {
		return fmt.Errorf("core: storage.api_key is required")
	}
	if c.Storage.MaxAttempts < 1 {
		return fmt.Errorf("core: storage.max_attempts must be at least 1")
	}
	if c.Pairing.WatchdogMS <= 0 {
		return fmt.Errorf("core: pairing.watchdog_ms must be positive")
	}
	if c.Pairing.CodeDelayMS < 0 || c.Pairing.FlushWaitMS < 0 {
		return fmt.Errorf("core: pairing delays must not be negative")
	}
	if strings.TrimSpace(c.Pairing.BundleFile) == "" || strings.ContainsAny(c.Pairing.BundleFile, `/\`) {
		return fmt.Errorf("core: pairing.bundle_file must be a plain file name")
	}
	if strings.TrimSpace(c.Identity.SessionPrefix) == "" || strings.TrimSpace(c.Identity.CredentialPrefix) == "" {
		return fmt.Errorf("core: identity prefixes are required")
	}
	if c.Identity.SessionPrefix == c.Identity.CredentialPrefix {
		return fmt.Errorf("core: session and credential prefixes must differ")
	}
	if strings.TrimSpace(c.Scratch.Root) == "" {
		return fmt.Errorf("core: scratch.root is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Ledger.Driver)) {
	case "", "memory", "sqlite3", "postgres":
	default:
		return fmt.Errorf("core: ledger.driver %q is not supported", c.Ledger.Driver)
	}
	return nil
}

func (c PairingConfig) Watchdog() time.Duration {
	return time.Duration(c.WatchdogMS) * time.Millisecond
}

func (c PairingConfig) CodeDelay() time.Duration {
	return time.Duration(c.CodeDelayMS) * time.Millisecond
}

func (c PairingConfig) FlushWait() time.Duration {
	return time.Duration(c.FlushWaitMS) * time.Millisecond
}

func (c PairingConfig) NotifyTimeout() time.Duration {
	if c.NotifyTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.NotifyTimeoutMS) * time.Millisecond
}

func (c StorageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c StorageConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

func (c StorageConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMS) * time.Millisecond
}

func (c ScratchConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMS) * time.Millisecond
}

func (c CleanupConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}
