package database

import (
	"time"
)

// HourlyTemperature is one hourly rollup of a device's readings
type HourlyTemperature struct {
	DevAddr       string    `json:"devAddr"`
	HourTimestamp time.Time `json:"hour"`
	AvgTemp       *float64  `json:"avg"`
	MinTemp       *float64  `json:"min"`
	MaxTemp       *float64  `json:"max"`
	SampleCount   int       `json:"samples"`
}

// DailyTemperature is the per-day summary built from hourly rollups
type DailyTemperature struct {
	DevAddr    string    `json:"devAddr"`
	Date       time.Time `json:"date"`
	AvgTemp    *float64  `json:"avg"`
	MinTemp    *float64  `json:"min"`
	MaxTemp    *float64  `json:"max"`
	EventCount int       `json:"events"`
}
