package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/firequeue/worker"
	"go.uber.org/zap"
)

const notificationJobType = "push_notification_code"

type notification struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

func notificationHandler(logger *zap.Logger) worker.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		var n notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		if n.PhoneNumber == "" {
			return errors.New("notification has no phone number")
		}
		logger.Info(fmt.Sprintf("Sending notification to %s, with message: %s", n.PhoneNumber, n.Message),
			zap.String("phone", n.PhoneNumber))
		return nil
	}
}
