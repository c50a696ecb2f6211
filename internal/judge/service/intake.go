package service

import (
	"context"
	"encoding/json"

	"judgeflow/internal/common/mq"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultSubmissionTopic carries Submission JSON from the web tier.
const DefaultSubmissionTopic = "submission.create"

// Intake turns submission messages into scheduled records.
type Intake struct {
	records *RecordService
}

func NewIntake(records *RecordService) *Intake {
	return &Intake{records: records}
}

// Subscribe registers the intake handler on topic.
func (i *Intake) Subscribe(ctx context.Context, consumer mq.Consumer, topic string, opts *mq.SubscribeOptions) error {
	if topic == "" {
		topic = DefaultSubmissionTopic
	}
	return consumer.Subscribe(ctx, topic, i.HandleMessage, opts)
}

// HandleMessage creates the record described by msg. Malformed messages are
// logged and acknowledged since retrying cannot fix them.
func (i *Intake) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var sub Submission
	if err := json.Unmarshal(msg.Body, &sub); err != nil {
		logger.Warn(ctx, "drop undecodable submission", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	rec, err := i.records.Add(ctx, sub, true)
	if err != nil {
		code := appErr.GetCode(err)
		if code == appErr.ValidationFailed || code == appErr.ProblemNotFound {
			logger.Warn(ctx, "drop invalid submission", zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		if rec != nil {
			logger.Error(ctx, "schedule submission failed", zap.String("rid", rec.ID), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}
