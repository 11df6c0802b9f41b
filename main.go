package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/fakhrymubarak/weather-etl/internal/config"
	"github.com/fakhrymubarak/weather-etl/internal/fetcher"
	"github.com/fakhrymubarak/weather-etl/internal/model"
	"github.com/fakhrymubarak/weather-etl/internal/repository"
	"github.com/fakhrymubarak/weather-etl/internal/service"
)

// Exit codes let a cron-style scheduler decide on whole-run retries:
// 0 full success, 1 partial failure (when run.fail_on_partial is set),
// 2 fatal configuration or storage problem.
func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	log := config.GetLogger()
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), config.GetRunTimeout())
	defer cancel()

	repo, err := repository.NewWeatherRepository()
	if err != nil {
		log.Errorw("Could not connect to database", "error", err)
		return 2
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		log.Errorw("Could not ensure weather schema", "error", err)
		return 2
	}

	weatherFetcher := fetcher.NewOpenWeatherFetcher()
	runService := service.NewRunService(weatherFetcher, repo)

	return exitCode(runService.Run(ctx))
}

func exitCode(result *model.RunResult) int {
	switch {
	case result.Fatal != nil:
		return 2
	case result.Success():
		return 0
	case config.GetFailOnPartial():
		return 1
	default:
		return 0
	}
}
