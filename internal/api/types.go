package api

import (
	"github.com/samcharles93/kiln/internal/codec"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/module"
)

type GenerateRequest struct {
	N int `json:"n"`
}

type FitPostsRequest struct {
	Posts []codec.Post `json:"posts"`
}

type FitScoresRequest struct {
	Scores []module.Score `json:"scores"`
}

type SaveRequest struct {
	// Name selects a named snapshot; empty saves to the snapshot directory.
	Name string `json:"name,omitempty"`
}

type StatusResponse struct {
	Epoch   int `json:"epoch"`
	Pending int `json:"pending"`
}

type MetricsResponse struct {
	Object string             `json:"object"`
	Data   []metrics.Snapshot `json:"data"`
}

type SaveResponse struct {
	Dir   string `json:"dir"`
	Epoch int    `json:"epoch"`
}
