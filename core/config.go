package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env            string `yaml:"env" env:"ENV" env-default:"prod"`
	TelegramApiKey string `yaml:"telegram_api_key" env:"TELEGRAM_BOT_TOKEN" env-required:"true"`
	Username       string `yaml:"username" env:"BOT_USERNAME" env-default:""`
	Completion     struct {
		ApiKey      string        `yaml:"api_key" env:"GROK_API_KEY" env-required:"true"`
		Url         string        `yaml:"url" env:"GROK_API_URL" env-default:"https://api.x.ai/v1/chat/completions"`
		Model       string        `yaml:"model" env:"GROK_MODEL" env-default:"grok-beta"`
		Timeout     time.Duration `yaml:"timeout" env:"COMPLETION_TIMEOUT" env-default:"60s"`
		MaxAttempts int           `yaml:"max_attempts" env:"COMPLETION_MAX_ATTEMPTS" env-default:"3"`
		RetryDelay  time.Duration `yaml:"retry_delay" env:"COMPLETION_RETRY_DELAY" env-default:"2s"`
	} `yaml:"completion"`
	Mongo struct {
		Uri      string `yaml:"uri" env:"MONGO_URI" env-required:"true"`
		Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"bot_db"`
	} `yaml:"mongo"`
	Redis struct {
		Enabled bool   `yaml:"enabled" env:"REDIS_ENABLED" env-default:"false"`
		Url     string `yaml:"url" env:"REDIS_URL" env-default:"redis://localhost:6379/0"`
	} `yaml:"redis"`
	Solana struct {
		RpcUrl      string `yaml:"rpc_url" env:"SOLANA_RPC_URL" env-required:"true"`
		TokenMint   string `yaml:"token_mint" env:"TOKEN_MINT_ADDRESS" env-required:"true"`
		MaxAttempts int    `yaml:"max_attempts" env:"SOLANA_MAX_ATTEMPTS" env-default:"2"`
	} `yaml:"solana"`
	Image struct {
		RelayUrl string `yaml:"relay_url" env:"IMAGE_RELAY_URL" env-required:"true"`
	} `yaml:"image"`
	Access struct {
		NonceTTL    time.Duration `yaml:"nonce_ttl" env:"NONCE_TTL" env-default:"5m"`
		VerifiedTTL time.Duration `yaml:"verified_ttl" env:"VERIFIED_TTL" env-default:"0s"`
	} `yaml:"access"`
	Cache struct {
		TTL time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"10m"`
	} `yaml:"cache"`
	Listen struct {
		Addr        string `yaml:"addr" env:"LISTEN_ADDR" env-default:":8080"`
		WebhookUrl  string `yaml:"webhook_url" env:"WEBHOOK_URL" env-default:""`
		SecretToken string `yaml:"secret_token" env:"WEBHOOK_SECRET" env-default:""`
	} `yaml:"listen"`
}

var instance *Config
var once sync.Once

func GetConfig(path string) (*Config, error) {
	var err error
	once.Do(func() {
		instance, err = Load(path)
	})
	return instance, err
}

// Load reads the config file and applies environment overrides; an empty path
// reads the environment only.
func Load(path string) (*Config, error) {
	conf := &Config{}
	var err error
	if path == "" {
		err = cleanenv.ReadEnv(conf)
	} else {
		err = cleanenv.ReadConfig(path, conf)
	}
	if err != nil {
		desc, _ := cleanenv.GetDescription(conf, nil)
		return nil, fmt.Errorf("config: %s; %s", err, desc)
	}
	return conf, nil
}

// MustLoad panics when the configuration is incomplete, required keys included
func MustLoad(path string) *Config {
	conf, err := GetConfig(path)
	if err != nil {
		panic(err)
	}
	return conf
}

// WebhookPath is the route Telegram posts updates to; the bot token in the
// path keeps it unguessable.
func (c *Config) WebhookPath() string {
	return "/webhook/" + c.TelegramApiKey
}
