package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xraph/scimserver/internal/scimerr"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Log.Error("failed writing response body", zap.Error(err))
	}
}

// writeError renders err as a SCIM error document (RFC 7644 §3.12). Any
// error that is not already a *scimerr.Error is logged with corrID and
// collapsed into a generic 500, so internal details never reach the client.
func (s *Server) writeError(w http.ResponseWriter, corrID string, err error) {
	se, ok := scimerr.As(err)
	if !ok {
		se = scimerr.Internal(corrID, err)
	}
	if se.ScimType != "" {
		s.Metrics.RecordError(string(se.ScimType))
	}
	if se.Status >= 500 {
		s.Log.Error("request failed", zap.String("correlation_id", corrID), zap.Error(se.Cause))
	}
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(se.Status)
	if encErr := json.NewEncoder(w).Encode(se.Document()); encErr != nil {
		s.Log.Error("failed writing error body", zap.Error(encErr))
	}
}
