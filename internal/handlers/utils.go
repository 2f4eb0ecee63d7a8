package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Константы
const (
	defaultCacheTTL    = 5 * time.Minute
	defaultLoadTimeout = 5 * time.Second
	usersPathPrefix    = "/api/users/"
	userCardsSuffix    = "gift-cards"
)

// ErrorResponse представляет структуру ответа с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSONResponse отправляет JSON ответ
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeErrorResponse отправляет ответ с ошибкой
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	writeJSONResponse(w, statusCode, response)
}

// extractUserIDFromPath извлекает идентификатор пользователя из /api/users/{userID}/gift-cards
func extractUserIDFromPath(path string) (string, error) {
	if !strings.HasPrefix(path, usersPathPrefix) {
		return "", fmt.Errorf("invalid path format")
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, usersPathPrefix), "/"), "/")
	if len(parts) != 2 || parts[1] != userCardsSuffix {
		return "", fmt.Errorf("invalid path format")
	}

	userID := strings.TrimSpace(parts[0])
	if userID == "" {
		return "", fmt.Errorf("missing user ID in path")
	}
	return userID, nil
}
