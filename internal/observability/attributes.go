// Package observability provides metrics and logging setup.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrService    = "service"
	attrReason     = "reason"
	attrForced     = "forced"
	attrReschedule = "reschedule"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

// statusAttr groups codes into 2xx, 4xx, 5xx.
func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func serviceAttr(service string) attribute.KeyValue {
	return attribute.String(attrService, service)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

// normalizePath collapses job IDs so the path label stays low-cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/v1/jobs/{jobId}"
	}
	return path
}

// WithService returns a measurement option carrying the service attribute.
func WithService(service string) metric.MeasurementOption {
	return metric.WithAttributes(serviceAttr(service))
}
