package drs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdrs "github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/drs/types"

	"github.com/drwave/drwave/internal/core/domain"
)

// Client implements API on top of the AWS DRS SDK for one configured
// (account, region) pair.
type Client struct {
	svc *awsdrs.Client
}

// NewClient wraps an SDK client.
func NewClient(cfg aws.Config) *Client {
	return &Client{svc: awsdrs.NewFromConfig(cfg)}
}

// ListSourceServers pages through DescribeSourceServers.
func (c *Client) ListSourceServers(ctx context.Context) ([]SourceServer, error) {
	var out []SourceServer

	paginator := awsdrs.NewDescribeSourceServersPaginator(c.svc, &awsdrs.DescribeSourceServersInput{
		MaxResults: aws.Int32(200),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe source servers: %w", err)
		}
		for _, item := range page.Items {
			out = append(out, mapSourceServer(item))
		}
	}
	return out, nil
}

func mapSourceServer(s types.SourceServer) SourceServer {
	srv := SourceServer{
		ID:   aws.ToString(s.SourceServerID),
		Tags: s.Tags,
	}
	if s.SourceProperties != nil && s.SourceProperties.IdentificationHints != nil {
		srv.Hostname = aws.ToString(s.SourceProperties.IdentificationHints.Hostname)
	}
	if s.DataReplicationInfo != nil {
		srv.Replicating = s.DataReplicationInfo.DataReplicationState == types.DataReplicationStateContinuous
	}
	return srv
}

// StartRecovery submits one job for the whole server set.
func (c *Client) StartRecovery(ctx context.Context, serverIDs []string, drill bool) (*Job, error) {
	servers := make([]types.StartRecoveryRequestSourceServer, 0, len(serverIDs))
	for _, id := range serverIDs {
		servers = append(servers, types.StartRecoveryRequestSourceServer{
			SourceServerID: aws.String(id),
		})
	}

	out, err := c.svc.StartRecovery(ctx, &awsdrs.StartRecoveryInput{
		SourceServers: servers,
		IsDrill:       aws.Bool(drill),
	})
	if err != nil {
		return nil, fmt.Errorf("start recovery: %w", err)
	}
	if out.Job == nil {
		return nil, fmt.Errorf("start recovery returned no job")
	}
	job := mapJob(*out.Job)
	return &job, nil
}

// DescribeJob fetches the job's batched status. When the service reports
// the job complete, the JOB_END log event supplies the authoritative end
// timestamp.
func (c *Client) DescribeJob(ctx context.Context, jobID string) (*Job, error) {
	out, err := c.svc.DescribeJobs(ctx, &awsdrs.DescribeJobsInput{
		Filters: &types.DescribeJobsRequestFilters{JobIDs: []string{jobID}},
	})
	if err != nil {
		return nil, fmt.Errorf("describe job %s: %w", jobID, err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("job %s not found", jobID)
	}

	job := mapJob(out.Items[0])
	if job.Status.Terminal() && job.EndedAt == nil {
		endedAt, err := c.jobEndTime(ctx, jobID)
		if err != nil {
			return nil, err
		}
		job.EndedAt = endedAt
	}
	return &job, nil
}

func (c *Client) jobEndTime(ctx context.Context, jobID string) (*time.Time, error) {
	paginator := awsdrs.NewDescribeJobLogItemsPaginator(c.svc, &awsdrs.DescribeJobLogItemsInput{
		JobID: aws.String(jobID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe job log %s: %w", jobID, err)
		}
		for _, item := range page.Items {
			if item.Event == types.JobLogEventJobEnd {
				if ts := parseTimestamp(item.LogDateTime); ts != nil {
					return ts, nil
				}
				now := time.Now().UTC()
				return &now, nil
			}
		}
	}
	return nil, nil
}

// CountActiveJobs counts jobs still pending or started.
func (c *Client) CountActiveJobs(ctx context.Context) (int, error) {
	count := 0
	paginator := awsdrs.NewDescribeJobsPaginator(c.svc, &awsdrs.DescribeJobsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("describe jobs: %w", err)
		}
		for _, item := range page.Items {
			if item.Status != types.JobStatusCompleted {
				count++
			}
		}
	}
	return count, nil
}

// DescribeRecoveryInstances looks up launched instances by source server.
func (c *Client) DescribeRecoveryInstances(ctx context.Context, sourceServerIDs []string) ([]RecoveryInstance, error) {
	var out []RecoveryInstance

	paginator := awsdrs.NewDescribeRecoveryInstancesPaginator(c.svc, &awsdrs.DescribeRecoveryInstancesInput{
		Filters: &types.DescribeRecoveryInstancesRequestFilters{
			SourceServerIDs: sourceServerIDs,
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe recovery instances: %w", err)
		}
		for _, item := range page.Items {
			ri := RecoveryInstance{
				ID:             aws.ToString(item.RecoveryInstanceID),
				SourceServerID: aws.ToString(item.SourceServerID),
				EC2InstanceID:  aws.ToString(item.Ec2InstanceID),
			}
			if item.RecoveryInstanceProperties != nil {
				for _, ni := range item.RecoveryInstanceProperties.NetworkInterfaces {
					if aws.ToBool(ni.IsPrimary) && len(ni.Ips) > 0 {
						ri.PrivateIP = ni.Ips[0]
						break
					}
				}
			}
			out = append(out, ri)
		}
	}
	return out, nil
}

// TerminateRecoveryInstances tears down the given instances. Best effort;
// the service processes terminations asynchronously.
func (c *Client) TerminateRecoveryInstances(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := c.svc.TerminateRecoveryInstances(ctx, &awsdrs.TerminateRecoveryInstancesInput{
		RecoveryInstanceIDs: instanceIDs,
	})
	if err != nil {
		return fmt.Errorf("terminate recovery instances: %w", err)
	}
	return nil
}

func mapJob(j types.Job) Job {
	job := Job{
		ID:      aws.ToString(j.JobID),
		Status:  mapJobStatus(j.Status),
		IsDrill: j.Type == types.JobTypeLaunch && j.InitiatedBy == types.InitiatedByStartDrill,
	}
	if ts := parseTimestamp(j.EndDateTime); ts != nil && job.Status.Terminal() {
		job.EndedAt = ts
	}
	for _, ps := range j.ParticipatingServers {
		job.Servers = append(job.Servers, ParticipatingServer{
			SourceServerID:     aws.ToString(ps.SourceServerID),
			LaunchStatus:       mapLaunchStatus(ps.LaunchStatus),
			RecoveryInstanceID: aws.ToString(ps.RecoveryInstanceID),
		})
	}
	return job
}

func mapJobStatus(s types.JobStatus) JobStatus {
	switch s {
	case types.JobStatusPending:
		return JobPending
	case types.JobStatusStarted:
		return JobStarted
	case types.JobStatusCompleted:
		return JobCompleted
	}
	return JobPending
}

func mapLaunchStatus(s types.LaunchStatus) domain.LaunchStatus {
	switch s {
	case types.LaunchStatusPending:
		return domain.LaunchPending
	case types.LaunchStatusInProgress:
		return domain.LaunchLaunching
	case types.LaunchStatusLaunched:
		return domain.LaunchLaunched
	case types.LaunchStatusFailed:
		return domain.LaunchFailed
	case types.LaunchStatusTerminated:
		return domain.LaunchTerminated
	}
	return domain.LaunchPending
}

// parseTimestamp parses the service's ISO8601 timestamps.
func parseTimestamp(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &ts
}
