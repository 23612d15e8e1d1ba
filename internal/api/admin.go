package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/storage"
)

const dateLayout = "2006-01-02"

type (
	// PartitionRequest is the request body for partition creation and retention.
	PartitionRequest struct {
		Table     string `json:"table"`
		From      string `json:"from,omitempty"`      // creation: first month (YYYY-MM-DD)
		To        string `json:"to,omitempty"`        // creation: last month (YYYY-MM-DD)
		OlderThan string `json:"olderThan,omitempty"` // retention: drop partitions entirely before this date
	}

	// PartitionResponse lists the partitions touched by an admin operation.
	PartitionResponse struct {
		Partitions []storage.PartitionResult `json:"partitions"`
	}

	// PopulateRunResponse reports single-run lineage population.
	PopulateRunResponse struct {
		RunID     string `json:"runId"`
		Populated bool   `json:"populated"`
	}

	// BackfillRequest is the request body for an operator-triggered backfill.
	BackfillRequest struct {
		Force     bool `json:"force,omitempty"`
		ChunkSize int  `json:"chunkSize,omitempty"`
	}
)

// handleCreatePartitions handles POST /api/v1/admin/partitions.
// Pre-creates monthly partitions for every month in [from, to].
func (s *Server) handleCreatePartitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PartitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid request body: "+err.Error()))

		return
	}

	from, err := time.Parse(dateLayout, req.From)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid 'from' date: expected YYYY-MM-DD"))

		return
	}

	to, err := time.Parse(dateLayout, req.To)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid 'to' date: expected YYYY-MM-DD"))

		return
	}

	results, err := s.partitions.CreatePartitionsForPeriod(ctx, req.Table, from, to)

	switch {
	case errors.Is(err, storage.ErrUnknownPartitionedTable):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	case err != nil:
		s.logAdminFailure(r, "Failed to create partitions", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to create partitions"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, PartitionResponse{Partitions: results})
}

// handleDropPartitions handles DELETE /api/v1/admin/partitions.
// Drops partitions whose entire month range falls before the cutoff.
// Tables whose names do not match the partition naming scheme are never
// dropped, only logged.
func (s *Server) handleDropPartitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PartitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid request body: "+err.Error()))

		return
	}

	cutoff, err := time.Parse(dateLayout, req.OlderThan)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid 'olderThan' date: expected YYYY-MM-DD"))

		return
	}

	results, err := s.partitions.DropPartitionsOlderThan(ctx, req.Table, cutoff)

	switch {
	case errors.Is(err, storage.ErrUnknownPartitionedTable):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	case err != nil:
		s.logAdminFailure(r, "Failed to drop partitions", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to drop partitions"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, PartitionResponse{Partitions: results})
}

// handlePopulateRun handles POST /api/v1/admin/lineage/runs/{id}.
// Rebuilds denormalized lineage rows for a single run. Safe to repeat.
func (s *Server) handlePopulateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid run id: must be a UUID"))

		return
	}

	err = s.maintenance.PopulateLineageForRun(ctx, runID)

	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		WriteErrorResponse(w, r, s.logger, NotFoundError("Run not found: "+runID.String()))

		return
	case err != nil:
		s.logAdminFailure(r, "Failed to populate run lineage", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to populate run lineage"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, PopulateRunResponse{
		RunID:     runID.String(),
		Populated: true,
	})
}

// handlePopulateAll handles POST /api/v1/admin/lineage/populate.
// Rebuilds denormalized lineage for every terminal run, skipping and logging
// runs that fail. Intended for small installs; use the backfill endpoint for
// large checkpointed rebuilds.
func (s *Server) handlePopulateAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.maintenance.PopulateAllExistingRuns(r.Context())
	if err != nil {
		s.logAdminFailure(r, "Failed to populate lineage for existing runs", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to populate lineage"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, summary)
}

// handleBackfill handles POST /api/v1/admin/lineage/backfill.
// Runs the resumable chunked backfill. The request blocks until the backfill
// finishes or fails; progress is checkpointed per chunk, so an interrupted
// request resumes on the next call.
//
// A run count above the automatic threshold returns 409 unless force is set.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	migrator := s.backfill

	// An explicit body overrides the default migrator configuration.
	if r.ContentLength > 0 {
		var req BackfillRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid request body: "+err.Error()))

			return
		}

		var err error

		migrator, err = storage.NewBackfillMigrator(s.conn, s.maintenance, storage.BackfillConfig{
			ChunkSize: req.ChunkSize,
			Force:     req.Force,
		})
		if err != nil {
			s.logAdminFailure(r, "Failed to configure backfill", err)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to configure backfill"))

			return
		}
	}

	summary, err := migrator.Run(ctx)

	switch {
	case errors.Is(err, storage.ErrBackfillThresholdExceeded):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))

		return
	case err != nil:
		s.logAdminFailure(r, "Backfill failed", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Backfill failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, summary)
}

// logAdminFailure logs an admin operation failure with the acting client.
func (s *Server) logAdminFailure(r *http.Request, msg string, err error) {
	ctx := r.Context()

	s.logger.ErrorContext(ctx, msg,
		slog.String("correlation_id", middleware.GetCorrelationID(ctx)),
		slog.String("client_id", middleware.GetClientID(ctx)),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}
