// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod      = "method"
	attrPath        = "path"
	attrStatus      = "status"
	attrProblemType = "problem_type"
	attrSuccess     = "success"
	attrKind        = "kind"
	attrOp          = "op"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx, no response -> none
	if code <= 0 {
		return attribute.String(attrStatus, "none")
	}
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func problemTypeAttr(problemType string) attribute.KeyValue {
	return attribute.String(attrProblemType, problemType)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

// normalizePath replaces job ids in /v1/jobs paths with a placeholder.
// /v1/jobs/abc123/result -> /v1/jobs/{jobId}/result
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" || rest == "stats" {
		return path
	}
	if _, suffix, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + suffix
	}
	return prefix + "{jobId}"
}
