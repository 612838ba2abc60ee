package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"ytbackup/internal/theme"
)

// Config represents the persisted application configuration.
type Config struct {
	Database   Database  `yaml:"database"`
	Base       Base      `yaml:"base"`
	YouTube    YouTube   `yaml:"youtube"`
	Fetcher    Fetcher   `yaml:"fetcher"`
	Inspector  Inspector `yaml:"inspector"`
	Uploader   Uploader  `yaml:"uploader"`
	NetInfo    NetInfo   `yaml:"netinfo"`
	Schedule   Schedule  `yaml:"schedule"`
	LogFile    string    `yaml:"log_file"`
	ColorTheme string    `yaml:"color_theme"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Base struct {
	DownloadDir         string `yaml:"download_dir"`
	DownloadLockfile    string `yaml:"download_lockfile"`
	ProxyRestartCommand string `yaml:"proxy_restart_command,omitempty"`
	CooldownHours       int    `yaml:"cooldown_hours"`
	ThrottleAbortAfter  int    `yaml:"throttle_abort_after"`
}

type YouTube struct {
	APIKey            string  `yaml:"api_key"`
	CredentialsFile   string  `yaml:"credentials_file,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BatchSize         int     `yaml:"batch_size"`
}

type Fetcher struct {
	BinaryPath              string `yaml:"binary_path"`
	DownloadArchive         string `yaml:"download_archive"`
	NamingFormat            string `yaml:"naming_format"`
	VideoFormat             string `yaml:"video_format"`
	AdditionalOptions       string `yaml:"additional_options,omitempty"`
	Proxy                   string `yaml:"proxy,omitempty"`
	MinSleepInterval        int    `yaml:"min_sleep_interval"`
	MaxSleepInterval        int    `yaml:"max_sleep_interval"`
	GeoblockSleepSeconds    int    `yaml:"geoblock_sleep_seconds"`
	ServerErrorSleepSeconds int    `yaml:"server_error_sleep_seconds"`
	ThrottleSleepSeconds    int    `yaml:"throttle_sleep_seconds"`
}

type Inspector struct {
	BinaryPath string `yaml:"binary_path"`
}

type Uploader struct {
	BinaryPath     string `yaml:"binary_path"`
	UploadTarget   string `yaml:"upload_target"`
	UploadBasePath string `yaml:"upload_base_path"`
}

type NetInfo struct {
	Endpoint string `yaml:"endpoint"`
}

// Schedule maps cron specs onto command lines run by the daemon.
type Schedule struct {
	Entries []ScheduleEntry `yaml:"entries"`
}

type ScheduleEntry struct {
	Spec    string `yaml:"spec"`
	Command string `yaml:"command"`
}

// Defaults returns the baseline configuration used on first run.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".ytbackup")
	return Config{
		Database: Database{
			Driver: "sqlite",
			DSN:    filepath.Join(root, "ytbackup.db"),
		},
		Base: Base{
			DownloadDir:        filepath.Join(home, "ytbackup", "staging"),
			DownloadLockfile:   filepath.Join(root, "download.lock"),
			CooldownHours:      48,
			ThrottleAbortAfter: 10,
		},
		YouTube: YouTube{
			RequestsPerSecond: 5,
			BatchSize:         50,
		},
		Fetcher: Fetcher{
			BinaryPath:              "yt-dlp",
			DownloadArchive:         filepath.Join(root, "downloaded.txt"),
			NamingFormat:            "%(upload_date)s_%(title)s_%(id)s.%(ext)s",
			VideoFormat:             "bestvideo+bestaudio/best",
			MinSleepInterval:        30,
			MaxSleepInterval:        120,
			GeoblockSleepSeconds:    60,
			ServerErrorSleepSeconds: 60,
			ThrottleSleepSeconds:    10,
		},
		Inspector: Inspector{BinaryPath: "ffprobe"},
		Uploader: Uploader{
			BinaryPath:     "rclone",
			UploadTarget:   "backup",
			UploadBasePath: "youtube",
		},
		NetInfo:    NetInfo{Endpoint: "https://ipinfo.io/json"},
		LogFile:    filepath.Join(root, "ytbackup.log"),
		ColorTheme: theme.Default,
	}
}

// Cooldown is the window a quota or throttle marker holds.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Base.CooldownHours) * time.Hour
}

// FetcherOptions splits the additional fetcher options like a shell would.
func (c Config) FetcherOptions() ([]string, error) {
	if strings.TrimSpace(c.Fetcher.AdditionalOptions) == "" {
		return nil, nil
	}
	args, err := shellquote.Split(c.Fetcher.AdditionalOptions)
	if err != nil {
		return nil, fmt.Errorf("parse fetcher.additional_options: %w", err)
	}
	return args, nil
}

// Validate reports configuration that would make every run fail.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "database.dsn is empty")
	}
	if strings.TrimSpace(c.Base.DownloadDir) == "" {
		problems = append(problems, "base.download_dir is empty")
	}
	if strings.TrimSpace(c.Base.DownloadLockfile) == "" {
		problems = append(problems, "base.download_lockfile is empty")
	}
	if !strings.Contains(c.Fetcher.NamingFormat, "%(id)s") {
		problems = append(problems, "fetcher.naming_format must contain %(id)s")
	}
	if c.Fetcher.MinSleepInterval > c.Fetcher.MaxSleepInterval {
		problems = append(problems, "fetcher.min_sleep_interval exceeds max_sleep_interval")
	}
	if _, err := c.FetcherOptions(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Ensure loads configuration from the provided path, bootstrapping one from
// the environment or an interactive prompt if it does not yet exist.
func Ensure(ctx context.Context, path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	cfg = Defaults()
	if err := bootstrap(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads configuration from disk. Zero values fall back to defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	def := Defaults()
	if strings.TrimSpace(cfg.ColorTheme) == "" {
		cfg.ColorTheme = theme.Default
	}
	if cfg.Base.CooldownHours <= 0 {
		cfg.Base.CooldownHours = def.Base.CooldownHours
	}
	if cfg.Base.ThrottleAbortAfter <= 0 {
		cfg.Base.ThrottleAbortAfter = def.Base.ThrottleAbortAfter
	}
	if cfg.YouTube.BatchSize <= 0 || cfg.YouTube.BatchSize > 50 {
		cfg.YouTube.BatchSize = def.YouTube.BatchSize
	}
	if key := strings.TrimSpace(os.Getenv("YTBACKUP_API_KEY")); key != "" {
		cfg.YouTube.APIKey = key
	}
	return cfg, nil
}

// Save writes configuration back to disk, ensuring directory permissions are restrictive.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func bootstrap(ctx context.Context, cfg *Config) error {
	apiKey := strings.TrimSpace(os.Getenv("YTBACKUP_API_KEY"))
	downloadDir := strings.TrimSpace(os.Getenv("YTBACKUP_DOWNLOAD_DIR"))
	if apiKey != "" && downloadDir != "" {
		cfg.YouTube.APIKey = apiKey
		return setDownloadDir(cfg, downloadDir)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	questions := []*survey.Question{
		{
			Name:     "api_key",
			Prompt:   &survey.Password{Message: "YouTube Data API key"},
			Validate: survey.Required,
		},
		{
			Name: "download_dir",
			Prompt: &survey.Input{
				Message: "Choose a staging directory for downloads",
				Default: firstNonEmpty(downloadDir, cfg.Base.DownloadDir),
			},
			Validate: survey.Required,
		},
	}
	answers := struct {
		APIKey      string `survey:"api_key"`
		DownloadDir string `survey:"download_dir"`
	}{}
	if err := survey.Ask(questions, &answers); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return fmt.Errorf("initialisation interrupted")
		}
		return err
	}

	cfg.YouTube.APIKey = strings.TrimSpace(answers.APIKey)
	return setDownloadDir(cfg, answers.DownloadDir)
}

func setDownloadDir(cfg *Config, dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	resolved, err := expandPath(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	cfg.Base.DownloadDir = resolved
	return nil
}

// EditInteractive opens an interactive survey session allowing the operator
// to update the most commonly changed values.
func EditInteractive(ctx context.Context, cfg Config) (Config, error) {
	questions := []*survey.Question{
		{
			Name: "download_dir",
			Prompt: &survey.Input{
				Message: "Staging directory",
				Default: cfg.Base.DownloadDir,
			},
			Validate: survey.Required,
		},
		{
			Name: "api_key",
			Prompt: &survey.Input{
				Message: "YouTube Data API key",
				Default: cfg.YouTube.APIKey,
			},
		},
		{
			Name: "video_format",
			Prompt: &survey.Input{
				Message: "Fetcher format selector",
				Default: cfg.Fetcher.VideoFormat,
			},
			Validate: survey.Required,
		},
		{
			Name: "proxy",
			Prompt: &survey.Input{
				Message: "Fetcher proxy (optional)",
				Default: cfg.Fetcher.Proxy,
			},
		},
		{
			Name: "min_sleep_interval",
			Prompt: &survey.Input{
				Message: "Minimum sleep between downloads (seconds)",
				Default: strconv.Itoa(cfg.Fetcher.MinSleepInterval),
			},
			Validate: validateNonNegativeInt,
		},
		{
			Name: "max_sleep_interval",
			Prompt: &survey.Input{
				Message: "Maximum sleep between downloads (seconds)",
				Default: strconv.Itoa(cfg.Fetcher.MaxSleepInterval),
			},
			Validate: validateNonNegativeInt,
		},
		{
			Name: "upload_target",
			Prompt: &survey.Input{
				Message: "Uploader remote name",
				Default: cfg.Uploader.UploadTarget,
			},
		},
		{
			Name: "color_theme",
			Prompt: &survey.Select{
				Message: "Color theme",
				Options: theme.Names(),
				Default: cfg.ColorTheme,
			},
		},
	}

	answers := map[string]interface{}{}
	select {
	case <-ctx.Done():
		return Config{}, ctx.Err()
	default:
	}

	if err := survey.Ask(questions, &answers); err != nil {
		return Config{}, err
	}

	cfg.Base.DownloadDir = strings.TrimSpace(answers["download_dir"].(string))
	cfg.YouTube.APIKey = strings.TrimSpace(answers["api_key"].(string))
	cfg.Fetcher.VideoFormat = strings.TrimSpace(answers["video_format"].(string))
	cfg.Fetcher.Proxy = strings.TrimSpace(answers["proxy"].(string))
	cfg.Fetcher.MinSleepInterval = toInt(answers["min_sleep_interval"])
	cfg.Fetcher.MaxSleepInterval = toInt(answers["max_sleep_interval"])
	cfg.Uploader.UploadTarget = strings.TrimSpace(answers["upload_target"].(string))
	if opt, ok := answers["color_theme"].(survey.OptionAnswer); ok {
		cfg.ColorTheme = opt.Value
	} else if name, ok := answers["color_theme"].(string); ok {
		cfg.ColorTheme = name
	}

	return cfg, cfg.Validate()
}

func validateNonNegativeInt(ans interface{}) error {
	v := strings.TrimSpace(ans.(string))
	if v == "" {
		return errors.New("value required")
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return errors.New("must be a number")
	}
	if i < 0 {
		return errors.New("must be zero or positive")
	}
	return nil
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(v))
		return i
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
