package helpers

import (
	"encoding/json"
)

// Credentials shared by the integration stack
const (
	TestAPIKey    = "integration-agent-key-0123"
	TestJWTSecret = "integration-jwt-secret-0123456789"
)

// Heartbeat builds a heartbeat payload
func Heartbeat(slug, status string) map[string]interface{} {
	return map[string]interface{}{
		"slug":   slug,
		"name":   slug,
		"status": status,
	}
}

// StartTask builds a task-start payload
func StartTask(slug, title string) map[string]interface{} {
	return map[string]interface{}{
		"slug":  slug,
		"title": title,
	}
}

// CompleteTask builds a task-complete payload
func CompleteTask(taskID string) map[string]interface{} {
	return map[string]interface{}{"taskId": taskID}
}

// FailTask builds a task-fail payload
func FailTask(taskID, reason string) map[string]interface{} {
	return map[string]interface{}{"taskId": taskID, "error": reason}
}

// Log builds a log payload. taskID may be empty.
func Log(slug, level, message, taskID string) map[string]interface{} {
	payload := map[string]interface{}{
		"slug":    slug,
		"level":   level,
		"message": message,
	}
	if taskID != "" {
		payload["taskId"] = taskID
	}
	return payload
}

// Subscribe builds a websocket subscribe frame
func Subscribe(id, query string, args map[string]interface{}) map[string]interface{} {
	frame := map[string]interface{}{
		"op":    "subscribe",
		"id":    id,
		"query": query,
	}
	if args != nil {
		frame["args"] = args
	}
	return frame
}

// ToJSON converts a fixture to JSON string
func ToJSON(fixture interface{}) string {
	data, _ := json.Marshal(fixture)
	return string(data)
}

// FromJSON parses JSON string to map
func FromJSON(jsonStr string) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal([]byte(jsonStr), &result)
	return result
}
