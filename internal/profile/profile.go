package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start main server and the terminal client.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where chatsync stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string
	// Secret signs and verifies access tokens.
	Secret string

	// Client configuration
	ServerURL       string        // CHATSYNC_SERVER_URL (default: http://localhost:8081)
	Token           string        // CHATSYNC_TOKEN
	RefreshInterval time.Duration // CHATSYNC_REFRESH_INTERVAL (default: 15s)
	ListInterval    time.Duration // CHATSYNC_LIST_INTERVAL (default: 10s)
	SaveTimeout     time.Duration // CHATSYNC_SAVE_TIMEOUT (default: 30s)

	// LLM configuration
	LLMProvider string // CHATSYNC_LLM_PROVIDER: deepseek, openai, ollama (default: deepseek)
	LLMBaseURL  string // CHATSYNC_LLM_BASE_URL (default: https://api.deepseek.com)
	LLMAPIKey   string // CHATSYNC_LLM_API_KEY
	LLMModel    string // CHATSYNC_LLM_MODEL (default: deepseek-chat)
}

const (
	DefaultServerURL       = "http://localhost:8081"
	DefaultRefreshInterval = 15 * time.Second
	DefaultListInterval    = 10 * time.Second
	DefaultSaveTimeout     = 30 * time.Second
	DefaultLLMProvider     = "deepseek"
	DefaultLLMBaseURL      = "https://api.deepseek.com"
	DefaultOllamaBaseURL   = "http://localhost:11434/v1"
	DefaultLLMModel        = "deepseek-chat"
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled reports whether a generator endpoint is configured.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMModel != "" && (p.LLMAPIKey != "" || p.LLMProvider == "ollama")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the server side of the profile and fills in defaults.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "chatsync")
		} else {
			p.Data = "/var/opt/chatsync"
		}
		if _, err := os.Stat(p.Data); os.IsNotExist(err) {
			if err := os.MkdirAll(p.Data, 0770); err != nil {
				slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
				return err
			}
		}
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("chatsync_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for postgres")
	}

	if p.Secret == "" {
		if !p.IsDev() {
			return errors.New("secret is required in prod mode")
		}
		p.Secret = "chatsync-" + p.Mode
		slog.Warn("using built-in token secret", slog.String("mode", p.Mode))
	}

	return nil
}

// ValidateClient fills in client defaults.
func (p *Profile) ValidateClient() error {
	if p.ServerURL == "" {
		p.ServerURL = DefaultServerURL
	}
	p.ServerURL = strings.TrimRight(p.ServerURL, "/")
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = DefaultRefreshInterval
	}
	if p.ListInterval <= 0 {
		p.ListInterval = DefaultListInterval
	}
	if p.SaveTimeout <= 0 {
		p.SaveTimeout = DefaultSaveTimeout
	}
	if p.LLMProvider == "" {
		p.LLMProvider = DefaultLLMProvider
	}
	if p.LLMBaseURL == "" {
		switch p.LLMProvider {
		case "deepseek":
			p.LLMBaseURL = DefaultLLMBaseURL
		case "ollama":
			p.LLMBaseURL = DefaultOllamaBaseURL
		}
	}
	if p.LLMModel == "" {
		p.LLMModel = DefaultLLMModel
	}
	if p.Token == "" {
		return errors.New("token is required, issue one with `chatsync token`")
	}
	return nil
}
