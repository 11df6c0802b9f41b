package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fakhrymubarak/weather-etl/internal/config"
	"github.com/fakhrymubarak/weather-etl/internal/model"
	"github.com/fakhrymubarak/weather-etl/internal/redis"
)

// Fetcher retrieves the provider's current-weather payload for one city.
// One outbound call per invocation; retry policy belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, city model.City) (*model.OpenWeatherMapResponse, error)
}

// redisCache is the subset of the Redis client used by the fetcher.
type redisCache interface {
	Get(ctx context.Context, key string) *redisv9.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redisv9.StatusCmd
}

// openWeatherFetcher implements Fetcher against the OpenWeatherMap
// current-weather endpoint, with a raw-response cache in front of it.
type openWeatherFetcher struct {
	redisClient redisCache
	httpClient  *http.Client
	limiter     *rate.Limiter
	circuit     *gobreaker.CircuitBreaker
	apiURL      string
	apiKey      string
	timeout     time.Duration
	cacheTTL    time.Duration
}

// NewOpenWeatherFetcher creates a fetcher wired from config. An optional
// *http.Client can be injected for tests.
func NewOpenWeatherFetcher(httpClient ...*http.Client) Fetcher {
	client := http.DefaultClient
	if len(httpClient) > 0 && httpClient[0] != nil {
		client = httpClient[0]
	}
	limitRate, burst := config.GetProviderRateLimit()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweathermap",
		MaxRequests: 2,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
	return &openWeatherFetcher{
		redisClient: redis.GetClient(),
		httpClient:  client,
		limiter:     rate.NewLimiter(rate.Limit(limitRate), burst),
		circuit:     cb,
		apiURL:      config.GetOpenWeatherApiUrl(),
		apiKey:      config.GetOpenWeatherMapAPIKey(),
		timeout:     config.GetFetchTimeout(),
		cacheTTL:    config.GetCacheExpiration(),
	}
}

// Fetch returns the raw provider payload for city, serving it from the
// cache when a fresh copy exists. Errors are always *model.FetchError.
func (f *openWeatherFetcher) Fetch(ctx context.Context, city model.City) (*model.OpenWeatherMapResponse, error) {
	if f.apiKey == "" {
		return nil, &model.FetchError{Kind: model.FetchUnauthorized, Err: model.ErrAPIKeyMissing}
	}
	if city.QueryKey == "" {
		return nil, &model.FetchError{Kind: model.FetchInvalidResponse, Err: fmt.Errorf("city %q has empty query key", city.Name)}
	}

	if cached, err := f.getFromCache(ctx, city); err == nil {
		return cached, nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &model.FetchError{Kind: model.FetchTimeout, Err: err}
	}

	raw, err := f.fetchFromProvider(ctx, city)
	if err != nil {
		return nil, err
	}

	f.cacheRaw(ctx, city, raw)
	return raw, nil
}

// getFromCache retrieves a previously fetched payload from Redis.
func (f *openWeatherFetcher) getFromCache(ctx context.Context, city model.City) (*model.OpenWeatherMapResponse, error) {
	val, err := f.redisClient.Get(ctx, cacheKey(city)).Result()
	if err != nil {
		return nil, err
	}
	var raw model.OpenWeatherMapResponse
	if err := json.Unmarshal([]byte(val), &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// cacheRaw stores a payload in Redis. Best effort: a cache failure never
// fails the fetch.
func (f *openWeatherFetcher) cacheRaw(ctx context.Context, city model.City, raw *model.OpenWeatherMapResponse) {
	if b, err := json.Marshal(raw); err == nil {
		_ = f.redisClient.Set(ctx, cacheKey(city), b, f.cacheTTL).Err()
	}
}

// fetchFromProvider performs the single HTTP GET through the circuit breaker.
func (f *openWeatherFetcher) fetchFromProvider(ctx context.Context, city model.City) (*model.OpenWeatherMapResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	values := url.Values{}
	values.Set("q", city.QueryKey)
	values.Set("appid", f.apiKey)
	values.Set("units", "metric")

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fmt.Sprintf("%s?%s", f.apiURL, values.Encode()), nil)
	if err != nil {
		return nil, &model.FetchError{Kind: model.FetchInvalidResponse, Err: err}
	}

	result, err := f.circuit.Execute(func() (interface{}, error) {
		resp, execErr := f.httpClient.Do(req)
		if execErr != nil {
			return nil, classifyTransportError(execErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &model.FetchError{Kind: model.FetchUnauthorized, Status: resp.StatusCode, Err: errors.New("provider rejected API key")}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &model.FetchError{Kind: model.FetchHTTP, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}

		var raw model.OpenWeatherMapResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&raw); decErr != nil {
			return nil, &model.FetchError{Kind: model.FetchInvalidResponse, Err: decErr}
		}
		return &raw, nil
	})
	if err != nil {
		var fetchErr *model.FetchError
		if errors.As(err, &fetchErr) {
			return nil, fetchErr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &model.FetchError{Kind: model.FetchHTTP, Err: err}
		}
		return nil, classifyTransportError(err)
	}

	raw, ok := result.(*model.OpenWeatherMapResponse)
	if !ok {
		return nil, &model.FetchError{Kind: model.FetchInvalidResponse, Err: errors.New("unexpected result type from circuit breaker")}
	}
	return raw, nil
}

func classifyTransportError(err error) *model.FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.FetchError{Kind: model.FetchTimeout, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &model.FetchError{Kind: model.FetchTimeout, Err: err}
	}
	return &model.FetchError{Kind: model.FetchHTTP, Err: err}
}

func cacheKey(city model.City) string {
	return "weather:raw:" + city.QueryKey
}
