package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// WakeupChannel is the pub/sub channel used to wake idle worker loops.
const WakeupChannel = "agentgate:worker:wakeup"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
