package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 4)
	if h.Catalog != nil {
		components = append(components, recordComponent("datastore", h.Catalog.Ping(ctx)))
	}
	if h.ProgressStore != nil {
		components = append(components, recordComponent("progress_store", h.ProgressStore.Ping(ctx)))
	}
	if h.Cache != nil {
		components = append(components, recordComponent("cache", h.Cache.Ping(ctx)))
	}
	if h.Transcodes != nil {
		components = append(components, recordComponent("transcode_queue", h.Transcodes.Ping(ctx)))
	}

	return components, overallStatus, statusCode
}
