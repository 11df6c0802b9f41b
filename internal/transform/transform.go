package transform

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fakhrymubarak/weather-etl/internal/model"
)

var validate = validator.New()

// Transform normalizes one raw provider payload into a WeatherReading.
// Pure: no I/O, same input always yields the same output. Out-of-range
// values are rejected, never clamped, so bad upstream data surfaces as a
// failure instead of corrupting history. The fetcher requests metric units,
// so temperature is already Celsius.
func Transform(city model.City, raw *model.OpenWeatherMapResponse) (model.WeatherReading, error) {
	if raw == nil {
		return model.WeatherReading{}, &model.TransformError{Field: "payload", Reason: "missing provider payload"}
	}
	if raw.Dt == 0 {
		return model.WeatherReading{}, &model.TransformError{Field: "dt", Reason: "missing observation timestamp"}
	}
	if math.IsNaN(raw.Main.Temp) || math.IsInf(raw.Main.Temp, 0) {
		return model.WeatherReading{}, &model.TransformError{Field: "temperature", Reason: "non-finite value"}
	}

	var description string
	if len(raw.Weather) > 0 {
		description = strings.TrimSpace(raw.Weather[0].Description)
	}

	reading := model.WeatherReading{
		CityName:    city.Name,
		ObservedAt:  time.Unix(raw.Dt, 0).UTC(),
		Temperature: raw.Main.Temp,
		Humidity:    raw.Main.Humidity,
		Description: description,
	}

	if err := validate.Struct(reading); err != nil {
		return model.WeatherReading{}, asTransformError(err)
	}
	return reading, nil
}

// asTransformError maps a validator error onto the offending reading field.
func asTransformError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &model.TransformError{Field: "reading", Reason: err.Error()}
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Humidity":
		return &model.TransformError{Field: "humidity", Reason: "outside 0-100"}
	case "Description":
		return &model.TransformError{Field: "description", Reason: "empty"}
	case "CityName":
		return &model.TransformError{Field: "city_name", Reason: "empty"}
	case "ObservedAt":
		return &model.TransformError{Field: "observed_at", Reason: "missing"}
	default:
		return &model.TransformError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " check"}
	}
}
