package dispatcher

import (
	"encoding/json"
	"fmt"
)

// detectSessionID finds a driver's chosen session id in either of the
// two POST /session response shapes spec.md §4.5 requires supporting:
// {value:{sessionId,...}} or {sessionId,...}.
func detectSessionID(body []byte) (string, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return "", fmt.Errorf("response is not a JSON object: %w", err)
	}

	if value, ok := generic["value"].(map[string]interface{}); ok {
		if sid, ok := value["sessionId"].(string); ok && sid != "" {
			return sid, nil
		}
	}
	if sid, ok := generic["sessionId"].(string); ok && sid != "" {
		return sid, nil
	}

	return "", fmt.Errorf("neither {value:{sessionId}} nor {sessionId} shape found")
}

// rewriteSessionID replaces whichever sessionId field detectSessionID
// found with publicID, preserving the rest of the response body.
func rewriteSessionID(body []byte, publicID string) ([]byte, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}

	if value, ok := generic["value"].(map[string]interface{}); ok {
		if sid, ok := value["sessionId"].(string); ok && sid != "" {
			value["sessionId"] = publicID
			generic["value"] = value
			return json.Marshal(generic)
		}
	}
	if sid, ok := generic["sessionId"].(string); ok && sid != "" {
		generic["sessionId"] = publicID
		return json.Marshal(generic)
	}

	return nil, fmt.Errorf("neither {value:{sessionId}} nor {sessionId} shape found")
}
