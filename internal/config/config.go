package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full bot configuration.
type Config struct {
	Gerrit struct {
		SSHHost       string `koanf:"ssh_host"`
		SSHPort       int    `koanf:"ssh_port"`
		SSHKeyPath    string `koanf:"ssh_key_path"`
		SSHHostKey    string `koanf:"ssh_host_key"`
		VerifySSHHost bool   `koanf:"verify_ssh_host"`
		RESTURL       string `koanf:"rest_url"`
		Username      string `koanf:"username"`
		HTTPPassword  string `koanf:"http_password"`
	} `koanf:"gerrit"`

	LLM struct {
		ProxyURL    string  `koanf:"proxy_url"`
		Model       string  `koanf:"model"`
		APIKey      string  `koanf:"api_key"`
		Temperature float64 `koanf:"temperature"`
	} `koanf:"llm"`

	Bot struct {
		MaxWorkers        int           `koanf:"max_workers"`
		FetchWorkers      int           `koanf:"fetch_workers"`
		RequestsPerSecond int           `koanf:"requests_per_second"`
		StaleWindow       time.Duration `koanf:"stale_window"`
		BaseRetryDelay    time.Duration `koanf:"base_retry_delay"`
		MaxRetryDelay     time.Duration `koanf:"max_retry_delay"`
		HTTPTimeout       time.Duration `koanf:"http_timeout"`
		RemoveBotReviewer bool          `koanf:"remove_bot_reviewer"`
	} `koanf:"bot"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`
}

// LoadConfig loads configuration in precedence order: built-in defaults,
// then a TOML file, then GERRITBOT_-prefixed environment variables
// (GERRITBOT_GERRIT_USERNAME maps to gerrit.username).
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"gerrit.ssh_host":         "localhost",
		"gerrit.ssh_port":         29418,
		"gerrit.verify_ssh_host":  true,
		"gerrit.rest_url":         "http://localhost:8080",
		"llm.temperature":         0.2,
		"bot.max_workers":         5,
		"bot.fetch_workers":       5,
		"bot.requests_per_second": 10,
		"bot.stale_window":        "5m",
		"bot.base_retry_delay":    "2s",
		"bot.max_retry_delay":     "60s",
		"bot.http_timeout":        "30s",
		"log.level":               "info",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Fall back to default locations when no path is given.
		defaultPaths := []string{"./gerritbot.toml", "$HOME/.gerritbot.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	k.Load(env.Provider("GERRITBOT_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "GERRITBOT_")
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig writes a sample configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# GerritBot Configuration

[gerrit]
ssh_host = "gerrit.example.com"
ssh_port = 29418
ssh_key_path = "/path/to/id_ed25519"
# Host key as a base64 blob or a full "ssh-ed25519 AAAA..." line
ssh_host_key = ""
verify_ssh_host = true
rest_url = "https://gerrit.example.com"
username = "review-bot"
http_password = "your-http-password"

[llm]
proxy_url = "http://localhost:4000"
model = "gpt-4o"
api_key = "your-litellm-master-key"
temperature = 0.2

[bot]
max_workers = 5
fetch_workers = 5
requests_per_second = 10
stale_window = "5m"
base_retry_delay = "2s"
max_retry_delay = "60s"
http_timeout = "30s"
remove_bot_reviewer = false

[log]
level = "info"
pretty = false
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate checks the fields the bot cannot run without.
func Validate(config *Config) error {
	if config.Gerrit.SSHHost == "" {
		return fmt.Errorf("gerrit ssh_host is required")
	}
	if config.Gerrit.Username == "" {
		return fmt.Errorf("gerrit username is required")
	}
	if config.Gerrit.SSHKeyPath == "" {
		return fmt.Errorf("gerrit ssh_key_path is required")
	}
	if config.Gerrit.HTTPPassword == "" {
		return fmt.Errorf("gerrit http_password is required")
	}
	if config.Gerrit.RESTURL == "" {
		return fmt.Errorf("gerrit rest_url is required")
	}
	if config.Gerrit.VerifySSHHost && config.Gerrit.SSHHostKey == "" {
		return fmt.Errorf("gerrit ssh_host_key is required when verify_ssh_host is enabled")
	}

	if config.LLM.ProxyURL == "" {
		return fmt.Errorf("llm proxy_url is required")
	}
	if config.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}

	if config.Bot.MaxWorkers <= 0 {
		return fmt.Errorf("bot max_workers must be positive")
	}
	if config.Bot.FetchWorkers <= 0 {
		return fmt.Errorf("bot fetch_workers must be positive")
	}
	if config.Bot.RequestsPerSecond < 0 {
		return fmt.Errorf("bot requests_per_second must not be negative")
	}

	return nil
}
