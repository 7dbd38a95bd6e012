package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const streamMaxLen = 10000

type dispatchRedisRepo struct {
	redisClient   *redis.Client
	streamKey     string
	consumerGroup string
	progressChan  string
	alertsChan    string
}

func NewDispatchRedisRepo(redisClient *redis.Client, streamKey, consumerGroup, progressChan, alertsChan string) coordinator.DispatchRepository {
	return &dispatchRedisRepo{
		redisClient:   redisClient,
		streamKey:     streamKey,
		consumerGroup: consumerGroup,
		progressChan:  progressChan,
		alertsChan:    alertsChan,
	}
}

func (d *dispatchRedisRepo) AnnounceJob(ctx context.Context, ann *models.JobAnnouncement) error {
	err := d.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"job_id":   ann.JobID.String(),
			"video_id": ann.VideoID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to announce job: %w", err)
	}
	return nil
}

func (d *dispatchRedisRepo) AwaitJob(ctx context.Context, consumer string, block time.Duration) (*models.JobAnnouncement, error) {
	if err := d.ensureGroup(ctx); err != nil {
		return nil, err
	}
	streams, err := d.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.consumerGroup,
		Consumer: consumer,
		Streams:  []string{d.streamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read job stream: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			// Ack immediately: a message is only a hint, the claim itself is
			// transactional against the store.
			d.redisClient.XAck(ctx, d.streamKey, d.consumerGroup, msg.ID)
			return announcementFromMessage(msg)
		}
	}
	return nil, nil
}

func (d *dispatchRedisRepo) ensureGroup(ctx context.Context) error {
	err := d.redisClient.XGroupCreateMkStream(ctx, d.streamKey, d.consumerGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func announcementFromMessage(msg redis.XMessage) (*models.JobAnnouncement, error) {
	jobRaw, _ := msg.Values["job_id"].(string)
	videoRaw, _ := msg.Values["video_id"].(string)
	jobID, err := uuid.Parse(jobRaw)
	if err != nil {
		return nil, fmt.Errorf("malformed job announcement %s: %w", msg.ID, err)
	}
	videoID, err := uuid.Parse(videoRaw)
	if err != nil {
		return nil, fmt.Errorf("malformed job announcement %s: %w", msg.ID, err)
	}
	return &models.JobAnnouncement{JobID: jobID, VideoID: videoID}, nil
}

func (d *dispatchRedisRepo) PublishProgress(ctx context.Context, event *models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if err = d.redisClient.Publish(ctx, d.progressChan, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

func (d *dispatchRedisRepo) PublishAlert(ctx context.Context, alert *models.FailureAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal failure alert: %w", err)
	}
	if err = d.redisClient.Publish(ctx, d.alertsChan, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish failure alert: %w", err)
	}
	return nil
}
