package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fakhrymubarak/weather-etl/internal/model"
)

// fakeFetcher serves canned payloads or error scripts per city.
type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string]*model.OpenWeatherMapResponse
	errs     map[string][]error // consumed one per attempt; nil entry means success
	attempts map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		payloads: make(map[string]*model.OpenWeatherMapResponse),
		errs:     make(map[string][]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, city model.City) (*model.OpenWeatherMapResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[city.Name]++
	if script := f.errs[city.Name]; len(script) > 0 {
		err := script[0]
		f.errs[city.Name] = script[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.payloads[city.Name], nil
}

func (f *fakeFetcher) attemptCount(city string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[city]
}

// fakeRepository records upserted batches.
type fakeRepository struct {
	mu      sync.Mutex
	batches [][]model.WeatherReading
	loadErr error
}

func (r *fakeRepository) EnsureSchema(ctx context.Context) error { return nil }

func (r *fakeRepository) UpsertReadings(ctx context.Context, readings []model.WeatherReading) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return 0, r.loadErr
	}
	r.batches = append(r.batches, readings)
	return int64(len(readings)), nil
}

func (r *fakeRepository) Close() error { return nil }

func (r *fakeRepository) loadedCities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cities []string
	for _, batch := range r.batches {
		for _, reading := range batch {
			cities = append(cities, reading.CityName)
		}
	}
	return cities
}

func payloadFor(temp float64, humidity int, description string) *model.OpenWeatherMapResponse {
	raw := &model.OpenWeatherMapResponse{Dt: 1700000000}
	raw.Main.Temp = temp
	raw.Main.Humidity = humidity
	raw.Weather = []struct {
		ID          int    `json:"id"`
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	}{{Description: description}}
	return raw
}

func newTestRunService(f *fakeFetcher, r *fakeRepository, cities ...model.City) *RunService {
	return &RunService{
		Fetcher:        f,
		Repo:           r,
		cities:         cities,
		retries:        2,
		backoffInitial: time.Millisecond,
		backoffMax:     4 * time.Millisecond,
		concurrency:    1,
	}
}

var (
	cityLondon     = model.City{Name: "London", QueryKey: "London,uk"}
	cityManchester = model.City{Name: "Manchester", QueryKey: "Manchester,uk"}
	cityBudapest   = model.City{Name: "Budapest", QueryKey: "Budapest,hu"}
)

func TestRun_AllCitiesSucceed(t *testing.T) {
	ff := newFakeFetcher()
	ff.payloads["London"] = payloadFor(7.1, 81, "light rain")
	ff.payloads["Manchester"] = payloadFor(6.4, 88, "overcast clouds")
	fr := &fakeRepository{}

	result := newTestRunService(ff, fr, cityLondon, cityManchester).Run(context.Background())

	if !result.Success() {
		t.Fatalf("Expected full success, got %+v", result)
	}
	if got := fr.loadedCities(); len(got) != 2 {
		t.Errorf("Expected 2 readings loaded, got %v", got)
	}
	if len(fr.batches) != 1 {
		t.Errorf("Expected a single batch, got %d", len(fr.batches))
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	ff := newFakeFetcher()
	ff.payloads["Manchester"] = payloadFor(6.4, 88, "overcast clouds")
	serverErr := &model.FetchError{Kind: model.FetchHTTP, Status: 500, Err: errors.New("server error")}
	ff.errs["London"] = []error{serverErr, serverErr, serverErr}
	fr := &fakeRepository{}

	result := newTestRunService(ff, fr, cityLondon, cityManchester).Run(context.Background())

	if result.Fatal != nil {
		t.Fatalf("Expected no fatal error, got %v", result.Fatal)
	}
	if !result.Partial() {
		t.Fatalf("Expected partial result, got %+v", result)
	}
	if result.Outcomes["London"].Status != model.StatusFetchFailed {
		t.Errorf("Expected London fetch_failed, got %s", result.Outcomes["London"].Status)
	}
	if result.Outcomes["Manchester"].Status != model.StatusSuccess {
		t.Errorf("Expected Manchester success, got %s", result.Outcomes["Manchester"].Status)
	}
	if got := fr.loadedCities(); len(got) != 1 || got[0] != "Manchester" {
		t.Errorf("Expected only Manchester loaded, got %v", got)
	}
}

func TestRun_RetriesTransientFetchErrors(t *testing.T) {
	ff := newFakeFetcher()
	ff.payloads["London"] = payloadFor(7.1, 81, "light rain")
	timeoutErr := &model.FetchError{Kind: model.FetchTimeout, Err: errors.New("deadline exceeded")}
	ff.errs["London"] = []error{timeoutErr, timeoutErr, nil}
	fr := &fakeRepository{}

	result := newTestRunService(ff, fr, cityLondon).Run(context.Background())

	if !result.Success() {
		t.Fatalf("Expected success after retries, got %+v", result)
	}
	if got := ff.attemptCount("London"); got != 3 {
		t.Errorf("Expected 3 fetch attempts, got %d", got)
	}
}

func TestRun_ExhaustedRetriesRecordFetchFailed(t *testing.T) {
	ff := newFakeFetcher()
	timeoutErr := &model.FetchError{Kind: model.FetchTimeout, Err: errors.New("deadline exceeded")}
	ff.errs["London"] = []error{timeoutErr, timeoutErr, timeoutErr, timeoutErr}
	fr := &fakeRepository{}

	result := newTestRunService(ff, fr, cityLondon).Run(context.Background())

	if result.Outcomes["London"].Status != model.StatusFetchFailed {
		t.Fatalf("Expected fetch_failed, got %+v", result.Outcomes["London"])
	}
	// retries=2 means 1 initial attempt + 2 retries
	if got := ff.attemptCount("London"); got != 3 {
		t.Errorf("Expected 3 fetch attempts, got %d", got)
	}
}

func TestRun_TransformFailureIsNotRetried(t *testing.T) {
	ff := newFakeFetcher()
	ff.payloads["London"] = payloadFor(7.1, 150, "light rain") // humidity out of range
	fr := &fakeRepository{}

	result := newTestRunService(ff, fr, cityLondon).Run(context.Background())

	outcome := result.Outcomes["London"]
	if outcome.Status != model.StatusTransformFailed {
		t.Fatalf("Expected transform_failed, got %s", outcome.Status)
	}
	var transformErr *model.TransformError
	if !errors.As(outcome.Err, &transformErr) {
		t.Fatalf("Expected TransformError, got %T", outcome.Err)
	}
	if transformErr.Field != "humidity" {
		t.Errorf("Expected humidity field, got %s", transformErr.Field)
	}
	if got := ff.attemptCount("London"); got != 1 {
		t.Errorf("Expected a single fetch attempt, got %d", got)
	}
	if got := fr.loadedCities(); len(got) != 0 {
		t.Errorf("Expected nothing loaded, got %v", got)
	}
}

func TestRun_UnauthorizedAbortsRemainingCities(t *testing.T) {
	ff := newFakeFetcher()
	ff.errs["London"] = []error{&model.FetchError{Kind: model.FetchUnauthorized, Status: 401, Err: errors.New("invalid key")}}
	ff.payloads["Manchester"] = payloadFor(6.4, 88, "overcast clouds")
	ff.payloads["Budapest"] = payloadFor(3.2, 70, "clear sky")
	fr := &fakeRepository{}

	result := newTestRunService(ff, fr, cityLondon, cityManchester, cityBudapest).Run(context.Background())

	if result.Fatal == nil {
		t.Fatal("Expected fatal result")
	}
	if result.Success() {
		t.Error("Expected Success() to be false on fatal run")
	}
	if got := ff.attemptCount("London"); got != 1 {
		t.Errorf("Expected no retry of unauthorized fetch, got %d attempts", got)
	}
	if got := ff.attemptCount("Manchester") + ff.attemptCount("Budapest"); got != 0 {
		t.Errorf("Expected remaining cities to be skipped, got %d attempts", got)
	}
	if got := fr.loadedCities(); len(got) != 0 {
		t.Errorf("Expected nothing loaded, got %v", got)
	}
}

// The worked example: London succeeds, then Manchester hits a 401. The run
// is fatal but London's reading, already collected, still commits as one
// atomic batch.
func TestRun_UnauthorizedAfterSuccessKeepsCollectedBatch(t *testing.T) {
	ff := newFakeFetcher()
	ff.payloads["London"] = payloadFor(7.1, 81, "light rain")
	ff.errs["Manchester"] = []error{&model.FetchError{Kind: model.FetchUnauthorized, Status: 401, Err: errors.New("invalid key")}}
	fr := &fakeRepository{}

	result := newTestRunService(ff, fr, cityLondon, cityManchester).Run(context.Background())

	if result.Fatal == nil {
		t.Fatal("Expected fatal result")
	}
	if result.Outcomes["London"].Status != model.StatusSuccess {
		t.Errorf("Expected London success, got %+v", result.Outcomes["London"])
	}
	if result.Outcomes["Manchester"].Status != model.StatusFetchFailed {
		t.Errorf("Expected Manchester fetch_failed, got %+v", result.Outcomes["Manchester"])
	}
	if got := fr.loadedCities(); len(got) != 1 || got[0] != "London" {
		t.Errorf("Expected exactly the London reading loaded, got %v", got)
	}
}

func TestRun_LoadFailureMarksWholeBatch(t *testing.T) {
	ff := newFakeFetcher()
	ff.payloads["London"] = payloadFor(7.1, 81, "light rain")
	ff.payloads["Manchester"] = payloadFor(6.4, 88, "overcast clouds")
	fr := &fakeRepository{loadErr: &model.LoadError{Kind: model.LoadUnavailable, Detail: "begin transaction", Err: errors.New("connection refused")}}

	result := newTestRunService(ff, fr, cityLondon, cityManchester).Run(context.Background())

	for _, city := range []string{"London", "Manchester"} {
		if result.Outcomes[city].Status != model.StatusLoadFailed {
			t.Errorf("Expected %s load_failed, got %s", city, result.Outcomes[city].Status)
		}
	}
	if result.Success() || result.Partial() {
		t.Errorf("Expected failed run, got %+v", result)
	}
}

func TestRun_NoCitiesIsFatal(t *testing.T) {
	result := newTestRunService(newFakeFetcher(), &fakeRepository{}).Run(context.Background())
	if !errors.Is(result.Fatal, model.ErrNoCities) {
		t.Fatalf("Expected ErrNoCities, got %v", result.Fatal)
	}
}

func TestRun_BoundedParallelFetches(t *testing.T) {
	ff := newFakeFetcher()
	for _, city := range []string{"London", "Manchester", "Budapest"} {
		ff.payloads[city] = payloadFor(10.0, 50, "cloudy")
	}
	fr := &fakeRepository{}
	s := newTestRunService(ff, fr, cityLondon, cityManchester, cityBudapest)
	s.concurrency = 2

	result := s.Run(context.Background())

	if !result.Success() {
		t.Fatalf("Expected success with parallel fetches, got %+v", result)
	}
	if got := fr.loadedCities(); len(got) != 3 {
		t.Errorf("Expected 3 readings loaded, got %v", got)
	}
}

func TestRun_CancellationStopsRun(t *testing.T) {
	ff := newFakeFetcher()
	ff.payloads["London"] = payloadFor(7.1, 81, "light rain")
	fr := &fakeRepository{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newTestRunService(ff, fr, cityLondon).Run(ctx)
	if result.Success() {
		t.Error("Expected cancelled run to not report success")
	}
}
