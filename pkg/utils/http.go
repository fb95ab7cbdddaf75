package utils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

// WriteJSONResponse writes data as a JSON body with statusCode.
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil && logger.Log != nil {
		logger.Log.Warn("Failed to write JSON response", zap.Int("status", statusCode), zap.Error(err))
	}
}
