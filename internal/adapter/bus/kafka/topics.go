package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/evalmesh/evalmesh/internal/domain"
)

// kafkaErrTopicAlreadyExists is error code 36 in the Kafka protocol.
const kafkaErrTopicAlreadyExists = 36

// ensureChannels creates every lifecycle channel topic that does not exist
// yet. Safe to call from multiple processes; already-existing topics are not
// an error.
func ensureChannels(ctx context.Context, client *kgo.Client, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	for _, ch := range domain.Channels {
		t := kmsg.NewCreateTopicsRequestTopic()
		t.Topic = ch
		t.NumPartitions = partitions
		t.ReplicationFactor = replication
		req.Topics = append(req.Topics, t)
	}

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=bus.ensureChannels: %w", err)
	}
	ctResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=bus.ensureChannels: unexpected response type %T", resp)
	}
	for _, t := range ctResp.Topics {
		switch t.ErrorCode {
		case 0:
			slog.Info("channel topic created", slog.String("topic", t.Topic))
		case kafkaErrTopicAlreadyExists:
			slog.Debug("channel topic already exists", slog.String("topic", t.Topic))
		default:
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("op=bus.ensureChannels: topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
		}
	}
	return nil
}
