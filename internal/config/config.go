package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ReadBuffer     int           `yaml:"read_buffer"`
	MaxDatagram    int           `yaml:"max_datagram"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	SessionDuration time.Duration `yaml:"session_duration"`
	InitialSession  int           `yaml:"initial_session"`
	SessionPrefix   string        `yaml:"session_prefix"`
	BaseDir         string        `yaml:"base_dir"`

	StatusInterval time.Duration `yaml:"status_interval"`
	StatusEvery    uint64        `yaml:"status_every"`
	FlushEvery     uint64        `yaml:"flush_every"`
	SyncOnFlush    bool          `yaml:"sync_on_flush"`
	BlockSamples   int           `yaml:"block_samples"`
	GapFillLimit   uint64        `yaml:"gap_fill_limit"`

	Devices map[uint8]string `yaml:"devices"`

	MetricsPort   string        `yaml:"metrics_port"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisDB       int           `yaml:"redis_db"`
	StatusTTL     time.Duration `yaml:"status_ttl"`
	ForwarderAddr string        `yaml:"forwarder_addr"`
	LogLevel      string        `yaml:"log_level"`
}

// Defaults reproduce la configuración del receptor de campo (ESP32 por
// hotspot, bloques de 256 bytes).
func Defaults() Config {
	return Config{
		ListenAddr:      "0.0.0.0:50000",
		ReadBuffer:      1_000_000,
		MaxDatagram:     4096,
		ReceiveTimeout:  2 * time.Second,
		SessionDuration: 6 * time.Second,
		InitialSession:  1,
		SessionPrefix:   "imu_capturas",
		BaseDir:         ".",
		StatusInterval:  5 * time.Second,
		StatusEvery:     256,
		FlushEvery:      100,
		BlockSamples:    21,
		Devices: map[uint8]string{
			1: "muslo_derecho",
			2: "pecho",
			3: "muslo_izquierdo",
			4: "cintura",
		},
		MetricsPort: "9000",
		StatusTTL:   10 * time.Minute,
		LogLevel:    "info",
	}
}

// Load arma la configuración: defaults, luego el YAML en path (si no está
// vacío) y por último las variables de entorno.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// la tabla de dispositivos del archivo reemplaza a la default
	devices := cfg.Devices
	cfg.Devices = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Devices == nil {
		cfg.Devices = devices
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.SessionPrefix = getEnv("SESSION_PREFIX", cfg.SessionPrefix)
	cfg.BaseDir = getEnv("BASE_DIR", cfg.BaseDir)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.ForwarderAddr = getEnv("FORWARDER_ADDR", cfg.ForwarderAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	var errs []error
	envInt("READ_BUFFER", &cfg.ReadBuffer, &errs)
	envInt("MAX_DATAGRAM", &cfg.MaxDatagram, &errs)
	envInt("INITIAL_SESSION", &cfg.InitialSession, &errs)
	envInt("BLOCK_SAMPLES", &cfg.BlockSamples, &errs)
	envInt("REDIS_DB", &cfg.RedisDB, &errs)
	envUint("STATUS_EVERY", &cfg.StatusEvery, &errs)
	envUint("FLUSH_EVERY", &cfg.FlushEvery, &errs)
	envUint("GAP_FILL_LIMIT", &cfg.GapFillLimit, &errs)
	envDuration("RECEIVE_TIMEOUT", &cfg.ReceiveTimeout, &errs)
	envDuration("SESSION_DURATION", &cfg.SessionDuration, &errs)
	envDuration("STATUS_INTERVAL", &cfg.StatusInterval, &errs)
	envDuration("STATUS_TTL", &cfg.StatusTTL, &errs)
	if v := os.Getenv("SYNC_ON_FLUSH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SYNC_ON_FLUSH: %w", err))
		}
		cfg.SyncOnFlush = b
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.BlockSamples <= 0 {
		errs = append(errs, fmt.Errorf("block_samples must be > 0 (got %d)", c.BlockSamples))
	}
	if c.FlushEvery == 0 {
		errs = append(errs, errors.New("flush_every must be > 0"))
	}
	if c.StatusEvery == 0 {
		errs = append(errs, errors.New("status_every must be > 0"))
	}
	if c.ReceiveTimeout <= 0 {
		errs = append(errs, errors.New("receive_timeout must be > 0"))
	}
	if c.SessionDuration <= 0 {
		errs = append(errs, errors.New("session_duration must be > 0"))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status_interval must be > 0"))
	}
	if c.MaxDatagram < 20 {
		errs = append(errs, fmt.Errorf("max_datagram too small (got %d)", c.MaxDatagram))
	}
	if c.SessionPrefix == "" {
		errs = append(errs, errors.New("session_prefix must not be empty"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, dst *int, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func envUint(key string, dst *uint64, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func envDuration(key string, dst *time.Duration, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
