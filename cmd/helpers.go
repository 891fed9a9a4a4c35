package cmd

import (
	"fmt"
	"time"
)

func timeSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func webhookSecretEnv(index int) string {
	return fmt.Sprintf("VOXFLOW_WEBHOOK_SECRET_%d", index)
}
