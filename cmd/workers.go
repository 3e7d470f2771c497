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

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/usetally/tally"
	"github.com/usetally/tally/config"
	redis_db "github.com/usetally/tally/internal/redis-db"
)

// initializeQueues builds the queue-to-priority map the worker server
// consumes: one entry per conversion queue shard plus the sweep queue.
func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.SweepQueue] = 1

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.ConversionQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

// initializeTaskHandlers registers the conversion pipeline on every
// conversion queue shard and the sweeper on the sweep queue.
func initializeTaskHandlers(b *tallyInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.ConversionQueue, i)
		mux.HandleFunc(queueName, b.tally.ProcessConversionTask)
	}

	mux.HandleFunc(cfg.Queue.SweepQueue, b.tally.ProcessSweepTask)
}

// initializeSweepScheduler registers the periodic reconciliation sweeps: a
// stuck sweep and a recalculation sweep, each enqueued across all tenants at
// its configured interval. The enqueued tasks carry no tenant, which the
// sweep handler reads as "fan out to every tenant".
func initializeSweepScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		&asynq.SchedulerOpts{Location: time.UTC},
	)

	sweeps := map[string]struct {
		mode     string
		interval int
	}{
		"stuck sweep":         {mode: tally.SweepModeStuck, interval: conf.Queue.SweepIntervalMins},
		"recalculation sweep": {mode: tally.SweepModeRecalculate, interval: conf.Queue.RecalcIntervalMins},
	}
	for name, sweep := range sweeps {
		payload, err := json.Marshal(tally.SweepPayload{Mode: sweep.mode})
		if err != nil {
			return nil, err
		}
		_, err = scheduler.Register(
			fmt.Sprintf("@every %dm", sweep.interval),
			asynq.NewTask(conf.Queue.SweepQueue, payload),
			asynq.Queue(conf.Queue.SweepQueue),
		)
		if err != nil {
			return nil, fmt.Errorf("error registering %s: %v", name, err)
		}
	}
	return scheduler, nil
}

// workerCommands defines the "workers" command that consumes the conversion
// and sweep queues.
func workerCommands(b *tallyInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start tally workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			scheduler, err := initializeSweepScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("Error running sweep scheduler: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("Error running worker server: %v", err)
			}
		},
	}

	return cmd
}
