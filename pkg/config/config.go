package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	ETL          ETLConfig
	Anomaly      AnomalyConfig
	SMTP         SMTPConfig
	MetricsAddr  string
	LogLevel     string
	AlertAfter   int
	Checkpointer string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TopicReadings  string
	TopicAnomalies string
	GroupID        string
	PollWindow     time.Duration
	MaxPerCycle    int
}

// ETLConfig holds the cycle and loading options.
type ETLConfig struct {
	CyclePeriod     time.Duration `yaml:"cycle_period"`
	CycleTimeout    time.Duration `yaml:"cycle_timeout"`
	InputDir        string        `yaml:"input_dir"`
	JSONLFile       string        `yaml:"jsonl_file"`
	CSVFile         string        `yaml:"csv_file"`
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	ClockSkew       time.Duration `yaml:"clock_skew"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	AggregateWindow time.Duration `yaml:"aggregate_window"`
	ExportCSV       string        `yaml:"export_csv"`
	ExportParquet   string        `yaml:"export_parquet"`
}

// JSONLPath returns the line-delimited input file path.
func (e ETLConfig) JSONLPath() string {
	return filepath.Join(e.InputDir, e.JSONLFile)
}

// CSVPath returns the columnar input file path.
func (e ETLConfig) CSVPath() string {
	return filepath.Join(e.InputDir, e.CSVFile)
}

// AnomalyConfig holds the detector thresholds.
type AnomalyConfig struct {
	ZScoreThreshold  float64       `yaml:"zscore_threshold"`
	StuckRun         int           `yaml:"stuck_run"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	DropoutFactor    float64       `yaml:"dropout_factor"`
}

// MaxGap is the longest gap between two readings of one sensor that is not a dropout.
func (a AnomalyConfig) MaxGap() time.Duration {
	return time.Duration(float64(a.SamplingInterval) * a.DropoutFactor)
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// fileOverlay is the shape of the optional YAML file named by ETL_CONFIG_FILE.
type fileOverlay struct {
	ETL     *ETLConfig     `yaml:"etl"`
	Anomaly *AnomalyConfig `yaml:"anomaly"`
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	env := &envReader{}
	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     env.asInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "weather_user"),
			Password: getEnv("DB_PASSWORD", "weather_pass"),
			DBName:   getEnv("DB_NAME", "weather_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       env.asInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled:        env.asBool("KAFKA_ENABLED", false),
			Brokers:        strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicReadings:  getEnv("KAFKA_TOPIC_READINGS", "weather.readings.raw"),
			TopicAnomalies: getEnv("KAFKA_TOPIC_ANOMALIES", "weather.anomalies"),
			GroupID:        getEnv("KAFKA_GROUP_ID", "etl-group"),
			PollWindow:     env.asDuration("KAFKA_POLL_WINDOW", 2*time.Second),
			MaxPerCycle:    env.asInt("KAFKA_MAX_PER_CYCLE", 5000),
		},
		ETL: ETLConfig{
			CyclePeriod:     env.asDuration("ETL_CYCLE_PERIOD", 60*time.Second),
			CycleTimeout:    env.asDuration("ETL_CYCLE_TIMEOUT", 45*time.Second),
			InputDir:        getEnv("ETL_INPUT_DIR", "output"),
			JSONLFile:       getEnv("ETL_JSONL_FILE", "sensor_data.jsonl"),
			CSVFile:         getEnv("ETL_CSV_FILE", "sensor_data.csv"),
			BatchSize:       env.asInt("ETL_BATCH_SIZE", 100),
			MaxRetries:      env.asInt("ETL_MAX_RETRIES", 3),
			RetryBackoff:    env.asDuration("ETL_RETRY_BACKOFF", 200*time.Millisecond),
			ClockSkew:       env.asDuration("ETL_CLOCK_SKEW", 5*time.Minute),
			MaxBackoff:      env.asDuration("ETL_MAX_BACKOFF", 10*time.Minute),
			AggregateWindow: env.asDuration("ETL_AGGREGATE_WINDOW", 7*24*time.Hour),
			ExportCSV:       getEnv("ETL_EXPORT_CSV", filepath.Join("processed", "hourly_aggregates.csv")),
			ExportParquet:   getEnv("ETL_EXPORT_PARQUET", ""),
		},
		Anomaly: AnomalyConfig{
			ZScoreThreshold:  env.asFloat("ANOMALY_ZSCORE_THRESHOLD", 3),
			StuckRun:         env.asInt("ANOMALY_STUCK_RUN", 5),
			SamplingInterval: env.asDuration("ANOMALY_SAMPLING_INTERVAL", 5*time.Second),
			DropoutFactor:    env.asFloat("ANOMALY_DROPOUT_FACTOR", 3),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     env.asInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "weather-etl@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		MetricsAddr:  getEnv("METRICS_ADDR", ":9102"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		AlertAfter:   env.asInt("ALERT_FAILURE_THRESHOLD", 5),
		Checkpointer: getEnv("CHECKPOINT_BACKEND", "redis"),
	}

	if env.errs != nil {
		return nil, env.errs
	}

	if path := getEnv("ETL_CONFIG_FILE", ""); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyFile overlays non-zero values from a YAML file onto the env-derived config.
func (c *Config) applyFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Decode into copies so that keys absent from the file keep their env values.
	etl := c.ETL
	anomaly := c.Anomaly
	overlay := fileOverlay{ETL: &etl, Anomaly: &anomaly}
	if err := yaml.Unmarshal(content, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.ETL = etl
	c.Anomaly = anomaly
	return nil
}

// Validate rejects option combinations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ETL.CyclePeriod <= 0:
		return fmt.Errorf("cycle period must be positive, got %s", c.ETL.CyclePeriod)
	case c.ETL.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.ETL.BatchSize)
	case c.ETL.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.ETL.MaxRetries)
	case c.Anomaly.ZScoreThreshold <= 0:
		return fmt.Errorf("z-score threshold must be positive, got %g", c.Anomaly.ZScoreThreshold)
	case c.Anomaly.StuckRun < 2:
		return fmt.Errorf("stuck run length must be at least 2, got %d", c.Anomaly.StuckRun)
	case c.Anomaly.SamplingInterval <= 0 || c.Anomaly.DropoutFactor <= 0:
		return fmt.Errorf("dropout interval must be positive")
	case c.Checkpointer != "redis" && c.Checkpointer != "memory":
		return fmt.Errorf("unknown checkpoint backend %q (expected redis or memory)", c.Checkpointer)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment values and collects the ones that
// are set but malformed.
type envReader struct {
	errs error
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = multierror.Append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (e *envReader) asInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		e.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (e *envReader) asFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		e.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (e *envReader) asBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		e.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

// asDuration accepts Go duration strings ("90s", "1m30s"); a bare number
// is taken as seconds.
func (e *envReader) asDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		e.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}
