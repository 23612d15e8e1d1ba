package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/lineage"
)

// Traversal depth defaults and limits. The ceiling keeps a single request from
// walking an entire warehouse graph; clients needing more issue scoped queries.
const (
	defaultDepth = 20
	maxDepth     = 100
)

type paramError struct {
	param string
	msg   string
}

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// lineageParams holds parsed query parameters for the lineage endpoint.
type lineageParams struct {
	nodeID            string
	depth             int
	aggregateToParent bool
	facetNames        []string
}

// handleGetLineage handles GET /api/v1/lineage.
// Computes the lineage graph around a node.
//
// Query Parameters:
//   - nodeId: required; "job:<ns>:<name>", "dataset:<ns>:<name>" or "run:<uuid>"
//   - depth: 0-100 (default: 20)
//   - aggregateToParent: bool (default: false); run nodes only, folds the
//     run's entire child subtree into one graph
//   - facets: comma-separated facet names to include on run nodes (default:
//     all facets)
//
// Response: the lineage graph with nodes sorted by id.
func (s *Server) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	params, err := parseLineageParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	graph, err := s.lineage.Lineage(ctx, params.nodeID, params.depth, params.aggregateToParent, params.facetNames)

	switch {
	case errors.Is(err, lineage.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFoundError("Node not found: "+params.nodeID))

		return
	case errors.Is(err, lineage.ErrInvalidDepth):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	case err != nil:
		s.logger.ErrorContext(ctx, "Failed to compute lineage graph",
			slog.String("correlation_id", correlationID),
			slog.String("node_id", params.nodeID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to compute lineage graph"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, graph)
}

// parseLineageParams parses and validates lineage query parameters.
func parseLineageParams(r *http.Request) (*lineageParams, error) {
	query := r.URL.Query()

	nodeID := query.Get("nodeId")
	if nodeID == "" {
		return nil, &paramError{param: "nodeId", msg: "required"}
	}

	params := &lineageParams{
		nodeID: nodeID,
		depth:  defaultDepth,
	}

	if raw := query.Get("depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 0 || depth > maxDepth {
			return nil, &paramError{param: "depth", msg: "must be an integer between 0 and 100"}
		}

		params.depth = depth
	}

	if raw := query.Get("aggregateToParent"); raw != "" {
		aggregate, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &paramError{param: "aggregateToParent", msg: "must be a boolean"}
		}

		params.aggregateToParent = aggregate
	}

	if raw := query.Get("facets"); raw != "" {
		params.facetNames = config.ParseCommaSeparatedList(raw)
	}

	return params, nil
}
