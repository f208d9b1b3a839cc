package telemetry

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchPublisher delivers event batches as CloudWatch metric data.
type CloudWatchPublisher struct {
	client    *cloudwatch.Client
	namespace string
}

// NewCloudWatchPublisher creates a publisher writing into the given
// namespace.
func NewCloudWatchPublisher(client *cloudwatch.Client, namespace string) *CloudWatchPublisher {
	return &CloudWatchPublisher{client: client, namespace: namespace}
}

// Publish sends one PutMetricData call per batch.
func (p *CloudWatchPublisher) Publish(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	data := make([]types.MetricDatum, 0, len(events))
	for _, ev := range events {
		datum := types.MetricDatum{
			MetricName: aws.String(ev.Name),
			Value:      aws.Float64(ev.Value),
			Timestamp:  aws.Time(ev.Timestamp),
		}
		for k, v := range ev.Dimensions {
			datum.Dimensions = append(datum.Dimensions, types.Dimension{
				Name:  aws.String(k),
				Value: aws.String(v),
			})
		}
		data = append(data, datum)
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
