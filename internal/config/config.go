package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fakhrymubarak/weather-etl/internal/model"
)

var once sync.Once
var logger *zap.SugaredLogger
var loggerOnce sync.Once

// isTestRun returns true if the current process is a Go test binary.
func isTestRun() bool {
	return flag.Lookup("test.v") != nil || filepath.Ext(os.Args[0]) == ".test"
}

func initConfig() {
	once.Do(func() {
		root, err := getProjectRoot()
		if err != nil {
			GetLogger().Errorw("Error finding project root", "error", err)
		}
		viper.SetConfigType("yaml")

		viper.SetConfigName("config")
		viper.AddConfigPath(root)
		if err = viper.ReadInConfig(); err != nil {
			GetLogger().Errorw("Error reading config file", "error", err)
		}

		if isTestRun() {
			viper.SetConfigName("config_test")
			viper.AddConfigPath(root)
		}

		err = viper.MergeInConfig()
		if err != nil {
			GetLogger().Errorw("Error reading config file", "error", err)
		}
	})
}

func getProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func GetOpenWeatherApiUrl() string {
	initConfig()
	return viper.GetString("openweathermap.api_url")
}

func GetOpenWeatherMapAPIKey() string {
	_ = godotenv.Load()
	return os.Getenv("OPENWEATHERMAP_API_KEY")
}

func GetRedisAddr() string {
	initConfig()
	return viper.GetString("redis.addr")
}

// GetPostgresDSN assembles the database connection string. Host, port and
// database name come from config; credentials come from the environment.
func GetPostgresDSN() string {
	initConfig()
	_ = godotenv.Load()
	host := viper.GetString("postgres.host")
	port := viper.GetString("postgres.port")
	dbname := viper.GetString("postgres.dbname")
	sslmode := viper.GetString("postgres.sslmode")
	if sslmode == "" {
		sslmode = "disable"
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, pass, dbname, sslmode)
}

// GetCities returns the configured city list from config.yaml.
func GetCities() []model.City {
	initConfig()
	var cities []model.City
	if err := viper.UnmarshalKey("cities", &cities); err != nil {
		GetLogger().Errorw("Error unmarshalling cities", "error", err)
		return nil
	}
	return cities
}

// GetCacheExpiration returns the raw-response cache TTL. Defaults to 10m.
func GetCacheExpiration() time.Duration {
	initConfig()
	return getDuration("cache.expiration", 10*time.Minute)
}

// GetFetchTimeout returns the per-request provider timeout. Defaults to 10s.
func GetFetchTimeout() time.Duration {
	initConfig()
	return getDuration("fetch.timeout", 10*time.Second)
}

// GetRunTimeout returns the deadline for one whole run. Defaults to 5m.
func GetRunTimeout() time.Duration {
	initConfig()
	return getDuration("run.timeout", 5*time.Minute)
}

// GetFetchRetries returns how many times a transient fetch error is retried.
func GetFetchRetries() int {
	initConfig()
	retries := viper.GetInt("fetch.retries")
	if retries <= 0 {
		retries = 3
	}
	return retries
}

// GetFetchBackoff returns the initial and maximum backoff delays for fetch retries.
func GetFetchBackoff() (initial, max time.Duration) {
	initConfig()
	initial = getDuration("fetch.backoff.initial", 500*time.Millisecond)
	max = getDuration("fetch.backoff.max", 5*time.Second)
	return
}

// GetFetchConcurrency returns the fetch worker pool size. Defaults to 2,
// kept small to respect provider rate limits.
func GetFetchConcurrency() int {
	initConfig()
	n := viper.GetInt("fetch.concurrency")
	if n <= 0 {
		n = 2
	}
	return n
}

// GetProviderRateLimit returns the outbound request rate and burst for
// calls against the weather provider.
func GetProviderRateLimit() (rate float64, burst int) {
	initConfig()
	rate = viper.GetFloat64("fetch.rate_limit.rate")
	if rate == 0 {
		rate = 1
	}
	burst = viper.GetInt("fetch.rate_limit.burst")
	if burst == 0 {
		burst = 2
	}
	return
}

// GetFailOnPartial reports whether a partially failed run should exit non-zero.
func GetFailOnPartial() bool {
	initConfig()
	return viper.GetBool("run.fail_on_partial")
}

func getDuration(key string, def time.Duration) time.Duration {
	durStr := viper.GetString(key)
	if durStr == "" {
		return def
	}
	dur, err := time.ParseDuration(durStr)
	if err != nil {
		return def
	}
	return dur
}

// ReloadConfigForTest resets the config singleton and reloads Viper config. Use only in tests.
func ReloadConfigForTest() {
	once = sync.Once{}
	initConfig()
}

func GetLogger() *zap.SugaredLogger {
	loggerOnce.Do(func() {
		l, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		logger = l.Sugar()
	})
	return logger
}
