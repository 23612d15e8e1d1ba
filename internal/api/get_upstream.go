package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/lineage"
)

type (
	// UpstreamRunsResponse is the response body of the upstream runs listing.
	UpstreamRunsResponse struct {
		RunID    string        `json:"runId"`
		Depth    int           `json:"depth"`
		Upstream []UpstreamRun `json:"upstream"`
	}

	// UpstreamRun is one upstream producer: the run, its job identity, and
	// the dataset version through which it feeds downstream.
	UpstreamRun struct {
		Depth            int        `json:"depth"`
		JobNamespace     string     `json:"jobNamespace"`
		JobName          string     `json:"jobName"`
		RunID            string     `json:"runId"`
		State            string     `json:"state"`
		StartedAt        *time.Time `json:"startedAt,omitempty"`
		EndedAt          *time.Time `json:"endedAt,omitempty"`
		DatasetNamespace string     `json:"datasetNamespace,omitempty"`
		DatasetName      string     `json:"datasetName,omitempty"`
		DatasetVersion   int64      `json:"datasetVersion,omitempty"`
	}
)

// handleGetUpstreamRuns handles GET /api/v1/runs/{id}/upstream.
// Lists the runs whose outputs feed the given run's inputs, transitively.
//
// Query Parameters:
//   - depth: 0-100 (default: 20)
//
// Response: upstream runs ordered by depth ascending then job name ascending.
func (s *Server) handleGetUpstreamRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid run id: must be a UUID"))

		return
	}

	depth := defaultDepth

	if raw := r.URL.Query().Get("depth"); raw != "" {
		depth, err = strconv.Atoi(raw)
		if err != nil || depth < 0 || depth > maxDepth {
			WriteErrorResponse(w, r, s.logger,
				BadRequest("Invalid parameter 'depth': must be an integer between 0 and 100"))

			return
		}
	}

	rows, err := s.lineage.Upstream(ctx, runID, depth)

	switch {
	case errors.Is(err, lineage.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFoundError("Run not found: "+runID.String()))

		return
	case err != nil:
		s.logger.ErrorContext(ctx, "Failed to query upstream runs",
			slog.String("correlation_id", correlationID),
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query upstream runs"))

		return
	}

	upstream := make([]UpstreamRun, 0, len(rows))
	for _, row := range rows {
		upstream = append(upstream, UpstreamRun{
			Depth:            row.Depth,
			JobNamespace:     row.JobNamespace,
			JobName:          row.JobName,
			RunID:            row.RunUUID.String(),
			State:            string(row.State),
			StartedAt:        row.StartedAt,
			EndedAt:          row.EndedAt,
			DatasetNamespace: row.DatasetNamespace,
			DatasetName:      row.DatasetName,
			DatasetVersion:   row.DatasetVersion,
		})
	}

	s.writeJSON(w, r, http.StatusOK, UpstreamRunsResponse{
		RunID:    runID.String(),
		Depth:    depth,
		Upstream: upstream,
	})
}
