// Package observability provides metrics and logging utilities.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrBackend = "backend"
	attrState   = "state"
	attrSuccess = "success"
)

func backendAttr(kind string) attribute.KeyValue {
	return attribute.String(attrBackend, kind)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// WithBackend returns a metric option with the backend attribute.
func WithBackend(kind string) metric.MeasurementOption {
	return metric.WithAttributes(backendAttr(kind))
}

// WithState returns a metric option with the terminal state attribute.
func WithState(state string) metric.MeasurementOption {
	return metric.WithAttributes(stateAttr(state))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}
