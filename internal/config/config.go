package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	StorageDriverS3     = "s3"
	StorageDriverMemory = "memory"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr           string
		MaxObjectBytes int64
	}
	Database struct {
		Path string
	}
	Auth struct {
		JWTSecret       string
		TokenTTLMinutes int
	}
	Storage struct {
		Driver            string
		Bucket            string
		Region            string
		Endpoint          string
		AccessKeyID       string
		SecretAccessKey   string
		ConditionalWrites bool
		MaxAttempts       int
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level  string
		Format string
	}
}

// legacyEnv maps keys onto the environment names the service has always honored.
var legacyEnv = map[string]string{
	"auth.jwtsecret":          "JWT_SECRET",
	"storage.bucket":          "AWS_S3_BUCKET_NAME",
	"storage.region":          "AWS_S3_REGION",
	"storage.endpoint":        "AWS_S3_ENDPOINT",
	"storage.accesskeyid":     "AWS_ACCESS_KEY_ID",
	"storage.secretaccesskey": "AWS_SECRET_ACCESS_KEY",
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("BUCKETGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "BUCKETGATE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	v.SetDefault("server.addr", "0.0.0.0:3000")
	v.SetDefault("server.maxobjectbytes", int64(32<<20))
	v.SetDefault("database.path", "data/bucketgate.db")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 60)
	v.SetDefault("storage.driver", StorageDriverS3)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskeyid", "")
	v.SetDefault("storage.secretaccesskey", "")
	v.SetDefault("storage.conditionalwrites", false)
	v.SetDefault("storage.maxattempts", 0)
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && os.Getenv("BUCKETGATE_SERVER_ADDR") == "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == StorageDriverMemory && cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "local"
	}

	return cfg, nil
}

// Validate reports every missing startup requirement at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth jwt secret is required"))
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		errs = append(errs, errors.New("auth token ttl must be positive"))
	}
	if c.Server.MaxObjectBytes <= 0 {
		errs = append(errs, errors.New("server max object bytes must be positive"))
	}

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage bucket is required"))
		}
		if c.Storage.Region == "" {
			errs = append(errs, errors.New("storage region is required"))
		}
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage endpoint is required"))
		}
		staticKeys := c.Storage.AccessKeyID != "" && c.Storage.SecretAccessKey != ""
		if !staticKeys && c.AWS.Profile == "" {
			errs = append(errs, errors.New("storage credentials are required (access key pair or aws profile)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
