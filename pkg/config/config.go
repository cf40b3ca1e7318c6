package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	OCR      OCRConfig      `json:"ocr"`
	Language LanguageConfig `json:"language"`
	Speech   SpeechConfig   `json:"speech"`
	Pipeline PipelineConfig `json:"pipeline"`
	Janitor  JanitorConfig  `json:"janitor"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging"`
	mu       sync.RWMutex
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	QQ       QQConfig       `json:"qq"`
	Slack    SlackConfig    `json:"slack"`
	Lark     LarkConfig     `json:"lark"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	Console  ConsoleConfig  `json:"console"`
}

type WhatsAppConfig struct {
	Enabled           bool                `json:"enabled" env:"OCRVOICE_CHANNELS_WHATSAPP_ENABLED"`
	BridgeURL         string              `json:"bridge_url" env:"OCRVOICE_CHANNELS_WHATSAPP_BRIDGE_URL"`
	ReconnectInterval int                 `json:"reconnect_interval" env:"OCRVOICE_CHANNELS_WHATSAPP_RECONNECT_INTERVAL"` // seconds
	AllowFrom         FlexibleStringSlice `json:"allow_from" env:"OCRVOICE_CHANNELS_WHATSAPP_ALLOW_FROM"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"OCRVOICE_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"OCRVOICE_CHANNELS_TELEGRAM_TOKEN"`
	Proxy     string              `json:"proxy" env:"OCRVOICE_CHANNELS_TELEGRAM_PROXY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OCRVOICE_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"OCRVOICE_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"OCRVOICE_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OCRVOICE_CHANNELS_DISCORD_ALLOW_FROM"`
}

type QQConfig struct {
	Enabled   bool                `json:"enabled" env:"OCRVOICE_CHANNELS_QQ_ENABLED"`
	AppID     string              `json:"app_id" env:"OCRVOICE_CHANNELS_QQ_APP_ID"`
	AppSecret string              `json:"app_secret" env:"OCRVOICE_CHANNELS_QQ_APP_SECRET"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OCRVOICE_CHANNELS_QQ_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled" env:"OCRVOICE_CHANNELS_SLACK_ENABLED"`
	BotToken  string              `json:"bot_token" env:"OCRVOICE_CHANNELS_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" env:"OCRVOICE_CHANNELS_SLACK_APP_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OCRVOICE_CHANNELS_SLACK_ALLOW_FROM"`
}

type LarkConfig struct {
	Enabled   bool                `json:"enabled" env:"OCRVOICE_CHANNELS_LARK_ENABLED"`
	AppID     string              `json:"app_id" env:"OCRVOICE_CHANNELS_LARK_APP_ID"`
	AppSecret string              `json:"app_secret" env:"OCRVOICE_CHANNELS_LARK_APP_SECRET"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OCRVOICE_CHANNELS_LARK_ALLOW_FROM"`
}

type DingTalkConfig struct {
	Enabled      bool                `json:"enabled" env:"OCRVOICE_CHANNELS_DINGTALK_ENABLED"`
	ClientID     string              `json:"client_id" env:"OCRVOICE_CHANNELS_DINGTALK_CLIENT_ID"`
	ClientSecret string              `json:"client_secret" env:"OCRVOICE_CHANNELS_DINGTALK_CLIENT_SECRET"`
	AllowFrom    FlexibleStringSlice `json:"allow_from" env:"OCRVOICE_CHANNELS_DINGTALK_ALLOW_FROM"`
}

type ConsoleConfig struct {
	Enabled     bool   `json:"enabled" env:"OCRVOICE_CHANNELS_CONSOLE_ENABLED"`
	Prompt      string `json:"prompt" env:"OCRVOICE_CHANNELS_CONSOLE_PROMPT"`
	HistoryFile string `json:"history_file" env:"OCRVOICE_CHANNELS_CONSOLE_HISTORY_FILE"`
}

type OCRConfig struct {
	Engine      string   `json:"engine" env:"OCRVOICE_OCR_ENGINE"` // tesseract|gosseract
	BinaryPath  string   `json:"binary_path" env:"OCRVOICE_OCR_BINARY_PATH"`
	TessdataDir string   `json:"tessdata_dir" env:"OCRVOICE_OCR_TESSDATA_DIR"`
	Languages   []string `json:"languages" env:"OCRVOICE_OCR_LANGUAGES"`
	PageSegMode int      `json:"page_seg_mode" env:"OCRVOICE_OCR_PAGE_SEG_MODE"`
}

type LanguageConfig struct {
	MinLength     int    `json:"min_length" env:"OCRVOICE_LANGUAGE_MIN_LENGTH"`
	DefaultLocale string `json:"default_locale" env:"OCRVOICE_LANGUAGE_DEFAULT_LOCALE"`
}

type SpeechConfig struct {
	Engine              string   `json:"engine" env:"OCRVOICE_SPEECH_ENGINE"` // gtts|espeak
	Fallbacks           []string `json:"fallbacks" env:"OCRVOICE_SPEECH_FALLBACKS"`
	GTTSPath            string   `json:"gtts_path" env:"OCRVOICE_SPEECH_GTTS_PATH"`
	ESpeakPath          string   `json:"espeak_path" env:"OCRVOICE_SPEECH_ESPEAK_PATH"`
	FailoverHoldMinutes int      `json:"failover_hold_minutes" env:"OCRVOICE_SPEECH_FAILOVER_HOLD_MINUTES"`
}

type PipelineConfig struct {
	WorkDir            string `json:"work_dir" env:"OCRVOICE_PIPELINE_WORK_DIR"`
	MaxConcurrent      int    `json:"max_concurrent" env:"OCRVOICE_PIPELINE_MAX_CONCURRENT"`
	QueueSize          int    `json:"queue_size" env:"OCRVOICE_PIPELINE_QUEUE_SIZE"`
	DownloadTimeoutSec int    `json:"download_timeout_sec" env:"OCRVOICE_PIPELINE_DOWNLOAD_TIMEOUT_SEC"`
	OCRTimeoutSec      int    `json:"ocr_timeout_sec" env:"OCRVOICE_PIPELINE_OCR_TIMEOUT_SEC"`
	TTSTimeoutSec      int    `json:"tts_timeout_sec" env:"OCRVOICE_PIPELINE_TTS_TIMEOUT_SEC"`
	DeliveryTimeoutSec int    `json:"delivery_timeout_sec" env:"OCRVOICE_PIPELINE_DELIVERY_TIMEOUT_SEC"`
	MaxImageMB         int    `json:"max_image_mb" env:"OCRVOICE_PIPELINE_MAX_IMAGE_MB"`
	Acknowledge        bool   `json:"acknowledge" env:"OCRVOICE_PIPELINE_ACKNOWLEDGE"`
}

type JanitorConfig struct {
	Enabled       bool   `json:"enabled" env:"OCRVOICE_JANITOR_ENABLED"`
	Schedule      string `json:"schedule" env:"OCRVOICE_JANITOR_SCHEDULE"` // cron expression
	MaxAgeMinutes int    `json:"max_age_minutes" env:"OCRVOICE_JANITOR_MAX_AGE_MINUTES"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"OCRVOICE_GATEWAY_HOST"`
	Port int    `json:"port" env:"PORT"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"OCRVOICE_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" env:"OCRVOICE_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"OCRVOICE_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"OCRVOICE_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"OCRVOICE_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"OCRVOICE_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:           false,
				BridgeURL:         "ws://localhost:3001",
				ReconnectInterval: 5,
				AllowFrom:         FlexibleStringSlice{},
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			QQ: QQConfig{
				Enabled:   false,
				AppID:     "",
				AppSecret: "",
				AllowFrom: FlexibleStringSlice{},
			},
			Slack: SlackConfig{
				Enabled:   false,
				AllowFrom: FlexibleStringSlice{},
			},
			Lark: LarkConfig{
				Enabled:   false,
				AllowFrom: FlexibleStringSlice{},
			},
			DingTalk: DingTalkConfig{
				Enabled:   false,
				AllowFrom: FlexibleStringSlice{},
			},
			Console: ConsoleConfig{
				Enabled:     false,
				Prompt:      "image> ",
				HistoryFile: "~/.ocrvoice/console_history",
			},
		},
		OCR: OCRConfig{
			Engine:      "tesseract",
			BinaryPath:  "tesseract",
			TessdataDir: "",
			Languages:   []string{"eng", "spa", "fra", "hin", "jpn", "ben"},
			PageSegMode: 3,
		},
		Language: LanguageConfig{
			MinLength:     10,
			DefaultLocale: "en-US",
		},
		Speech: SpeechConfig{
			Engine:              "gtts",
			Fallbacks:           []string{},
			GTTSPath:            "gtts-cli",
			ESpeakPath:          "espeak-ng",
			FailoverHoldMinutes: 10,
		},
		Pipeline: PipelineConfig{
			WorkDir:            "~/.ocrvoice/work",
			MaxConcurrent:      4,
			QueueSize:          64,
			DownloadTimeoutSec: 60,
			OCRTimeoutSec:      120,
			TTSTimeoutSec:      60,
			DeliveryTimeoutSec: 30,
			MaxImageMB:         20,
			Acknowledge:        true,
		},
		Janitor: JanitorConfig{
			Enabled:       true,
			Schedule:      "*/15 * * * *",
			MaxAgeMinutes: 60,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     false,
			FilePath:        "~/.ocrvoice/ocrvoice.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// LoadConfig reads the JSON config at path (a missing file means defaults)
// and then applies OCRVOICE_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	resolveSecretRefs(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Pipeline.QueueSize < 0 {
		return fmt.Errorf("pipeline.queue_size must not be negative, got %d", c.Pipeline.QueueSize)
	}
	if strings.TrimSpace(c.Pipeline.WorkDir) == "" {
		return fmt.Errorf("pipeline.work_dir is required")
	}
	switch c.OCR.Engine {
	case "tesseract", "gosseract":
	default:
		return fmt.Errorf("unknown ocr.engine %q", c.OCR.Engine)
	}
	if len(c.OCR.Languages) == 0 {
		return fmt.Errorf("ocr.languages must list at least one script")
	}
	for _, name := range append([]string{c.Speech.Engine}, c.Speech.Fallbacks...) {
		switch name {
		case "gtts", "espeak":
		default:
			return fmt.Errorf("unknown speech engine %q", name)
		}
	}
	return nil
}

func resolveSecretRefs(cfg *Config) {
	secrets := []*string{
		&cfg.Channels.Telegram.Token,
		&cfg.Channels.Telegram.Proxy,
		&cfg.Channels.Discord.Token,
		&cfg.Channels.QQ.AppID,
		&cfg.Channels.QQ.AppSecret,
		&cfg.Channels.WhatsApp.BridgeURL,
		&cfg.Channels.Slack.BotToken,
		&cfg.Channels.Slack.AppToken,
		&cfg.Channels.Lark.AppSecret,
		&cfg.Channels.DingTalk.ClientSecret,
	}
	for _, s := range secrets {
		*s = resolveEnvRef(*s)
	}
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		if val, ok := os.LookupEnv(strings.TrimSpace(s[1:])); ok {
			return val
		}
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) WorkDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Pipeline.WorkDir)
}

func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.FilePath)
}

func (c *Config) HistoryFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Channels.Console.HistoryFile)
}

func (p PipelineConfig) DownloadTimeout() time.Duration {
	return seconds(p.DownloadTimeoutSec, 60)
}

func (p PipelineConfig) OCRTimeout() time.Duration {
	return seconds(p.OCRTimeoutSec, 120)
}

func (p PipelineConfig) TTSTimeout() time.Duration {
	return seconds(p.TTSTimeoutSec, 60)
}

func (p PipelineConfig) DeliveryTimeout() time.Duration {
	return seconds(p.DeliveryTimeoutSec, 30)
}

func (p PipelineConfig) MaxImageBytes() int64 {
	if p.MaxImageMB <= 0 {
		return 20 * 1024 * 1024
	}
	return int64(p.MaxImageMB) * 1024 * 1024
}

func (j JanitorConfig) MaxAge() time.Duration {
	if j.MaxAgeMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(j.MaxAgeMinutes) * time.Minute
}

func (s SpeechConfig) FailoverHold() time.Duration {
	if s.FailoverHoldMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.FailoverHoldMinutes) * time.Minute
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
