package async

import "encoding/json"

// createTestJob builds a queued job with a minimal JSON payload. Shared by
// the lifecycle, worker, and recovery tests so they only spell out what
// they are actually about.
func createTestJob(handlerName, source string, totalOps int, estimatedCost float64) (*Job, error) {
	payload, err := json.Marshal(map[string]interface{}{"source": source})
	if err != nil {
		return nil, err
	}
	return NewJobWithPayload(handlerName, source, payload, totalOps, estimatedCost)
}
