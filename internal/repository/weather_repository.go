package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/fakhrymubarak/weather-etl/internal/config"
	"github.com/fakhrymubarak/weather-etl/internal/model"
)

// WeatherRepository persists normalized readings into the weather table.
type WeatherRepository interface {
	// EnsureSchema creates the weather table and its unique key if absent.
	EnsureSchema(ctx context.Context) error
	// UpsertReadings writes a batch in one transaction. A reading whose
	// (city_name, observed_at) key already exists is left untouched, so
	// re-running the same logical observation is a no-op. On error the
	// whole batch is rolled back and a *model.LoadError is returned.
	UpsertReadings(ctx context.Context, readings []model.WeatherReading) (inserted int64, err error)
	Close() error
}

// weatherRepository implements WeatherRepository on Postgres.
type weatherRepository struct {
	db *sql.DB
}

const createTableWeather = `
	CREATE TABLE IF NOT EXISTS weather (
		city_name   TEXT        NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		temperature NUMERIC     NOT NULL,
		humidity    INTEGER     NOT NULL,
		description TEXT        NOT NULL,
		PRIMARY KEY (city_name, observed_at)
	);`

const insertReading = `
	INSERT INTO weather (city_name, observed_at, temperature, humidity, description)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (city_name, observed_at) DO NOTHING;`

// NewWeatherRepository opens a Postgres connection from config. An optional
// *sql.DB can be injected for tests.
func NewWeatherRepository(db ...*sql.DB) (WeatherRepository, error) {
	if len(db) > 0 && db[0] != nil {
		return &weatherRepository{db: db[0]}, nil
	}

	conn, err := sql.Open("postgres", config.GetPostgresDSN())
	if err != nil {
		return nil, &model.LoadError{Kind: model.LoadUnavailable, Detail: "open database", Err: err}
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, &model.LoadError{Kind: model.LoadUnavailable, Detail: "ping database", Err: err}
	}
	return &weatherRepository{db: conn}, nil
}

func (r *weatherRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTableWeather); err != nil {
		return &model.LoadError{Kind: model.LoadUnavailable, Detail: "create weather table", Err: err}
	}
	return nil
}

func (r *weatherRepository) UpsertReadings(ctx context.Context, readings []model.WeatherReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &model.LoadError{Kind: model.LoadUnavailable, Detail: "begin transaction", Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, insertReading)
	if err != nil {
		_ = tx.Rollback()
		return 0, classifyLoadError("prepare insert", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, reading := range readings {
		res, err := stmt.ExecContext(ctx,
			reading.CityName,
			reading.ObservedAt.UTC(),
			reading.Temperature,
			reading.Humidity,
			reading.Description,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, classifyLoadError("insert reading for "+reading.CityName, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &model.LoadError{Kind: model.LoadTx, Detail: "commit batch", Err: err}
	}
	return inserted, nil
}

func (r *weatherRepository) Close() error {
	return r.db.Close()
}

// classifyLoadError maps driver errors onto the load error taxonomy.
// Postgres class 23 covers integrity constraint violations, class 42 schema
// mismatches; everything else is treated as the store being unavailable.
func classifyLoadError(detail string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "42":
			return &model.LoadError{Kind: model.LoadConstraint, Detail: detail, Err: err}
		}
	}
	return &model.LoadError{Kind: model.LoadUnavailable, Detail: detail, Err: err}
}
