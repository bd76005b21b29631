package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// remoteTimeout bounds each reachability check.
const remoteTimeout = 10 * time.Second

// CheckEmbedder checks that the embedding endpoint answers. Nothing can be
// indexed or retrieved without it.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "embedder",
		Required: true,
		Details:  fmt.Sprintf("model %s, %d dimensions", c.embedder.ModelName(), c.embedder.Dimensions()),
	}

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	if !c.embedder.Available(ctx) {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s is not reachable", c.embedder.ModelName())
		return result
	}

	result.Status = StatusPass
	result.Message = c.embedder.ModelName()
	return result
}

// CheckSource checks that the configuration source answers an export of
// ProbeModule. An empty export is only a warning.
func (c *Checker) CheckSource(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "source",
		Required: true,
	}

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	text, err := c.exporter.Export(ctx, ProbeModule)
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	if strings.TrimSpace(text) == "" {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("export of %s is empty", ProbeModule)
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("exported %s (%d bytes)", ProbeModule, len(text))
	return result
}
