package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fakhrymubarak/weather-etl/internal/config"
	"github.com/fakhrymubarak/weather-etl/internal/fetcher"
	"github.com/fakhrymubarak/weather-etl/internal/model"
	"github.com/fakhrymubarak/weather-etl/internal/repository"
	"github.com/fakhrymubarak/weather-etl/internal/transform"
)

// RunServiceInterface is the single entry point the scheduler invokes.
type RunServiceInterface interface {
	Run(ctx context.Context) *model.RunResult
}

// RunService drives one fetch-transform-load cycle over the configured
// cities and aggregates per-city outcomes. Configuration is captured at
// construction so a run is a pure function of (config, provider responses,
// store state).
type RunService struct {
	Fetcher fetcher.Fetcher
	Repo    repository.WeatherRepository

	cities         []model.City
	retries        int
	backoffInitial time.Duration
	backoffMax     time.Duration
	concurrency    int
}

// NewRunService creates a coordinator wired from config.
func NewRunService(f fetcher.Fetcher, repo repository.WeatherRepository) *RunService {
	initial, max := config.GetFetchBackoff()
	return &RunService{
		Fetcher:        f,
		Repo:           repo,
		cities:         config.GetCities(),
		retries:        config.GetFetchRetries(),
		backoffInitial: initial,
		backoffMax:     max,
		concurrency:    config.GetFetchConcurrency(),
	}
}

// Run executes one full cycle: fetch and transform every city with a
// bounded worker pool, then load all collected readings in one atomic
// batch. An Unauthorized fetch error cancels the remaining fetches and
// flags the result as fatal; readings already collected are still loaded
// in the usual single batch.
func (s *RunService) Run(ctx context.Context) *model.RunResult {
	log := config.GetLogger()
	result := &model.RunResult{Outcomes: make(map[string]model.CityOutcome)}

	if len(s.cities) == 0 {
		result.Fatal = model.ErrNoCities
		log.Errorw("Run aborted", "error", result.Fatal)
		return result
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		readings []model.WeatherReading
		fatal    error
	)

	jobs := make(chan model.City)
	workers := s.concurrency
	if workers > len(s.cities) {
		workers = len(s.cities)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for city := range jobs {
				status, reading, err := s.processCity(runCtx, city)

				mu.Lock()
				if err != nil && !retryable(err) && fatal == nil {
					// Invalid API key is a run-level configuration
					// problem, not a per-city failure.
					fatal = err
					cancel()
				}
				if fatal != nil && errors.Is(err, context.Canceled) {
					// Fetch interrupted by the abort; the city was
					// never really attempted.
					mu.Unlock()
					continue
				}
				switch status {
				case model.StatusSuccess:
					readings = append(readings, reading)
				default:
					result.Outcomes[city.Name] = model.CityOutcome{Status: status, Err: err}
				}
				mu.Unlock()
			}
		}()
	}

	for _, city := range s.cities {
		if runCtx.Err() != nil {
			break
		}
		jobs <- city
	}
	close(jobs)
	wg.Wait()

	result.Fatal = fatal

	s.loadBatch(ctx, readings, result)

	switch {
	case result.Fatal != nil:
		log.Errorw("Run aborted", "error", result.Fatal, "completed", len(result.Outcomes))
	case result.Success():
		log.Infow("Run completed", "cities", len(s.cities))
	default:
		log.Warnw("Run completed with failures", "cities", len(s.cities), "outcomes", summarize(result))
	}
	return result
}

// processCity runs fetch (with retries) and transform for one city. A
// successful pipeline returns StatusSuccess and the reading; failures
// return the terminal status for the city.
func (s *RunService) processCity(ctx context.Context, city model.City) (model.CityStatus, model.WeatherReading, error) {
	log := config.GetLogger()

	raw, err := s.fetchWithRetry(ctx, city)
	if err != nil {
		log.Warnw("Fetch failed", "city", city.Name, "error", err)
		return model.StatusFetchFailed, model.WeatherReading{}, err
	}

	reading, err := transform.Transform(city, raw)
	if err != nil {
		// Transform is deterministic; retrying the same payload is pointless.
		log.Warnw("Transform failed", "city", city.Name, "error", err)
		return model.StatusTransformFailed, model.WeatherReading{}, err
	}

	return model.StatusSuccess, reading, nil
}

// fetchWithRetry retries transient fetch errors with exponential backoff.
// Kept as an explicit loop so the retry policy stays inspectable and
// testable apart from the scheduler's own whole-run retry.
func (s *RunService) fetchWithRetry(ctx context.Context, city model.City) (*model.OpenWeatherMapResponse, error) {
	var lastErr error
	delay := s.backoffInitial

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		raw, err := s.Fetcher.Fetch(ctx, city)
		if err == nil {
			return raw, nil
		}
		if !retryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt >= s.retries {
			return nil, lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if s.backoffMax > 0 && delay > s.backoffMax {
			delay = s.backoffMax
		}
	}
}

// loadBatch writes all collected readings in one transaction and records
// the load outcome for every contributing city. The batch is atomic, so a
// load failure marks every city in it as load_failed.
func (s *RunService) loadBatch(ctx context.Context, readings []model.WeatherReading, result *model.RunResult) {
	log := config.GetLogger()
	if len(readings) == 0 {
		return
	}

	inserted, err := s.Repo.UpsertReadings(ctx, readings)
	if err != nil {
		log.Errorw("Load failed", "readings", len(readings), "error", err)
		for _, reading := range readings {
			result.Outcomes[reading.CityName] = model.CityOutcome{Status: model.StatusLoadFailed, Err: err}
		}
		return
	}

	log.Infow("Batch loaded", "readings", len(readings), "inserted", inserted)
	for _, reading := range readings {
		result.Outcomes[reading.CityName] = model.CityOutcome{Status: model.StatusSuccess}
	}
}

// retryable reports whether err could succeed on a retry within this run.
func retryable(err error) bool {
	var fetchErr *model.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}
	return true
}

func summarize(result *model.RunResult) map[string]string {
	out := make(map[string]string, len(result.Outcomes))
	for city, outcome := range result.Outcomes {
		out[city] = string(outcome.Status)
	}
	return out
}
