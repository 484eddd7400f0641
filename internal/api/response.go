package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// fallbackErrorResponse is written when a response cannot be marshaled.
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeTwiML acknowledges a Twilio webhook with an empty TwiML document.
func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.writeTwiML: failed to write TwiML response", "error", err)
	}
}
