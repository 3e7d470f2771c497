/*
Copyright 2024 Tally Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tally

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/usetally/tally/config"
	redis_db "github.com/usetally/tally/internal/redis-db"
	"github.com/usetally/tally/model"
)

// Queue wraps the asynq client used to hand conversions to the attribution
// workers and to schedule reconciliation sweeps.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// SweepPayload is the task body for a reconciliation sweep.
type SweepPayload struct {
	TenantID string `json:"tenant_id"`
	Mode     string `json:"mode"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// Enqueue adds a conversion to its tenant's conversion queue. The task id is
// the conversion id, so a conversion already waiting in the queue is not
// enqueued twice; asynq returns ErrTaskIDConflict for the duplicate, which
// callers treat as success.
func (q *Queue) Enqueue(ctx context.Context, conversion *model.Conversion) error {
	ctx, span := tracer.Start(ctx, "Adding conversion to queue")
	defer span.End()

	payload, err := conversion.ToJSON()
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, q.conversionTask(conversion, payload))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf(" [*] Conversion %s already queued, skipping", conversion.ConversionID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued conversion: %+v", conversion.OrderID)
	return nil
}

// EnqueueSweep schedules a reconciliation sweep for a tenant. The task id
// combines tenant and mode so overlapping schedules collapse into one run.
func (q *Queue) EnqueueSweep(ctx context.Context, tenantID, mode string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(SweepPayload{TenantID: tenantID, Mode: mode})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("sweep:%s:%s", tenantID, mode)),
		asynq.Queue(cfg.Queue.SweepQueue),
		asynq.Retention(time.Minute),
	}
	task := asynq.NewTask(cfg.Queue.SweepQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued %s sweep for tenant: %s", mode, tenantID)
	return nil
}

// conversionTask builds the asynq task for a conversion, assigning it to a
// queue shard by hashing the tenant id. All of a tenant's conversions land on
// the same shard and process serially, which keeps identity reads and claim
// contention within a tenant predictable.
func (q *Queue) conversionTask(conversion *model.Conversion, payload []byte) *asynq.Task {
	queueName := "new:conversion_1"
	maxRetry := 5
	cnf, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config: %v", err)
	} else {
		queueIndex := hashTenantID(conversion.TenantID) % cnf.Queue.NumberOfQueues
		queueName = fmt.Sprintf("%s_%d", cnf.Queue.ConversionQueue, queueIndex+1)
		maxRetry = cnf.Queue.MaxRetryAttempts
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(conversion.ConversionID),
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
	}
	return asynq.NewTask(queueName, payload, taskOptions...)
}

// hashTenantID returns a consistent hash value for a tenant id.
func hashTenantID(tenantID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(tenantID))
	return int(hasher.Sum32())
}

// GetConversionFromQueue retrieves a queued conversion by its ID, checking
// each queue shard.
func (q *Queue) GetConversionFromQueue(conversionID string) (*model.Conversion, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.ConversionQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, conversionID)
		if err == nil && task != nil {
			var cnv model.Conversion
			if err := json.Unmarshal(task.Payload, &cnv); err != nil {
				return nil, err
			}
			return &cnv, nil
		}
	}
	return nil, nil
}
