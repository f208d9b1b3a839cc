// Package notify delivers escalation messages when the engine gives up on
// an operation. Delivery is best-effort: failures are logged, never
// propagated to the execution path.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Escalation is one structured escalation message.
type Escalation struct {
	Reason      string    `json:"reason"`
	Operation   string    `json:"operation"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Region      string    `json:"region,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Detail      string    `json:"detail"`
	At          time.Time `json:"at"`
}

// Notifier delivers escalations.
type Notifier interface {
	Escalate(ctx context.Context, esc Escalation)
}

// Nop discards all escalations.
type Nop struct{}

func (Nop) Escalate(context.Context, Escalation) {}

// SNS publishes escalations to a topic.
type SNS struct {
	client   *sns.Client
	topicARN string
	log      *slog.Logger
}

// NewSNS creates a notifier for the given topic.
func NewSNS(client *sns.Client, topicARN string) *SNS {
	return &SNS{client: client, topicARN: topicARN, log: slog.Default()}
}

// Escalate publishes the escalation as JSON. Errors are logged only.
func (n *SNS) Escalate(ctx context.Context, esc Escalation) {
	if esc.At.IsZero() {
		esc.At = time.Now().UTC()
	}
	body, err := json.Marshal(esc)
	if err != nil {
		n.log.Error("Failed to encode escalation", "reason", esc.Reason, "error", err)
		return
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String("drwave escalation: " + esc.Reason),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		n.log.Warn("Failed to deliver escalation",
			"reason", esc.Reason, "execution", esc.ExecutionID, "error", err)
	}
}
