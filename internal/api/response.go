// Response writers for the JSON admin API and the Twilio webhook.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sophia-care/sophia/internal/models"
)

// emptyTwiML acknowledges a webhook without sending a reply through Twilio.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// fallbackErrorResponse is served when a response cannot be encoded.
var fallbackErrorResponse = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: failed to marshal static response: %v", err))
	}
	return data
}

// writeJSONResponse encodes response before touching the headers so that an
// encoding failure can still be reported as a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		data = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}

// writeError answers with an error envelope. Server errors are logged with
// the request id; cause never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string, cause error) {
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Server.writeError: request failed",
			"path", r.URL.Path,
			"status", statusCode,
			"requestID", middleware.GetReqID(r.Context()),
			"error", cause)
	}
	writeJSONResponse(w, statusCode, models.Error(message))
}

// writeTwiMLAck acknowledges a Twilio webhook call.
func writeTwiMLAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, emptyTwiML); err != nil {
		slog.Error("Server.writeTwiMLAck: failed to write response", "error", err)
	}
}
