package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/middleware"
)

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// respondJSON encodes body with the given status
func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// originFrom describes the request's origin. location is an optional client hint.
func originFrom(r *http.Request, location string) auth.Origin {
	o := auth.Origin{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if location = strings.TrimSpace(location); location != "" {
		o.Location = &location
	}
	return o
}

// wantsJSON reports whether the client speaks the JSON API rather than HTML forms
func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
