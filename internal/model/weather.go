package model

import "time"

// City is one configured location to collect weather for. QueryKey is the
// identifier the provider accepts (e.g. "London,uk").
type City struct {
	Name     string `mapstructure:"name" json:"name"`
	QueryKey string `mapstructure:"query_key" json:"query_key"`
}

// WeatherReading is the normalized observation persisted into the weather
// table. Temperature is always Celsius; ObservedAt is the provider-reported
// observation time in UTC, not the fetch time. The pair
// (CityName, ObservedAt) is unique in the store.
type WeatherReading struct {
	CityName    string    `json:"city_name" validate:"required"`
	ObservedAt  time.Time `json:"observed_at" validate:"required"`
	Temperature float64   `json:"temperature"`
	Humidity    int       `json:"humidity" validate:"gte=0,lte=100"`
	Description string    `json:"description" validate:"required"`
}
