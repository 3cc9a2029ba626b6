package domain

import "time"

// MetricSample is one observation fed into the QoS sliding-window aggregator.
type MetricSample struct {
	Metric    string
	Value     float64
	Timestamp time.Time
	Labels    map[string]string
}
