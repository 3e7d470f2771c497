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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port      string `json:"port" envconfig:"TALLY_SERVER_PORT"`
	Secure    bool   `json:"secure" envconfig:"TALLY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"TALLY_SERVER_SECRET_KEY"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"TALLY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"TALLY_REDIS_DNS"`
}

type QueueConfig struct {
	ConversionQueue    string `json:"conversion_queue" envconfig:"TALLY_QUEUE_CONVERSION"`
	SweepQueue         string `json:"sweep_queue" envconfig:"TALLY_QUEUE_SWEEP"`
	NumberOfQueues     int    `json:"number_of_queues" envconfig:"TALLY_QUEUE_NUMBER_OF_QUEUES"`
	MaxRetryAttempts   int    `json:"max_retry_attempts" envconfig:"TALLY_QUEUE_MAX_RETRY_ATTEMPTS"`
	SweepIntervalMins  int    `json:"sweep_interval_minutes" envconfig:"TALLY_QUEUE_SWEEP_INTERVAL_MINUTES"`
	RecalcIntervalMins int    `json:"recalc_interval_minutes" envconfig:"TALLY_QUEUE_RECALC_INTERVAL_MINUTES"`
}

// AttributionConfig holds the global defaults for tenant attribution
// settings. Tenants without stored overrides run with these values.
type AttributionConfig struct {
	LookbackWindowDays    int `json:"lookback_window_days" envconfig:"TALLY_ATTRIBUTION_LOOKBACK_DAYS"`
	TimeDecayHalfLifeDays int `json:"time_decay_half_life_days" envconfig:"TALLY_ATTRIBUTION_HALF_LIFE_DAYS"`
	FreshnessThresholdMin int `json:"freshness_threshold_minutes" envconfig:"TALLY_ATTRIBUTION_FRESHNESS_MINUTES"`
	RecalcWindowDays      int `json:"recalc_window_days" envconfig:"TALLY_ATTRIBUTION_RECALC_DAYS"`
	MaxAttempts           int `json:"max_attempts" envconfig:"TALLY_ATTRIBUTION_MAX_ATTEMPTS"`
}

// PlatformConfig describes one external ad-measurement endpoint. The URL is
// overridable so tests and sandboxes can point at a fake.
type PlatformConfig struct {
	Enabled bool   `json:"enabled"`
	Url     string `json:"url"`
	Token   string `json:"token"`
}

type ForwardingConfig struct {
	Meta               PlatformConfig `json:"meta"`
	GA4                PlatformConfig `json:"ga4"`
	WorkersPerPlatform int            `json:"workers_per_platform" envconfig:"TALLY_FORWARDING_WORKERS"`
	MaxAttempts        int            `json:"max_attempts" envconfig:"TALLY_FORWARDING_MAX_ATTEMPTS"`
	TenantRatePerSec   float64        `json:"tenant_rate_per_sec" envconfig:"TALLY_FORWARDING_TENANT_RPS"`
	TenantRateBurst    int            `json:"tenant_rate_burst" envconfig:"TALLY_FORWARDING_TENANT_BURST"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"TALLY_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"TALLY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"TALLY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"TALLY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName  string            `json:"project_name" envconfig:"TALLY_PROJECT_NAME"`
	Server       ServerConfig      `json:"server"`
	DataSource   DataSourceConfig  `json:"data_source"`
	Redis        RedisConfig       `json:"redis"`
	Queue        QueueConfig       `json:"queue"`
	Attribution  AttributionConfig `json:"attribution"`
	Forwarding   ForwardingConfig  `json:"forwarding"`
	Notification Notification      `json:"notification"`
	RateLimit    RateLimitConfig   `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("tally", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called tally.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Tally Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.ConversionQueue == "" {
		cnf.Queue.ConversionQueue = "new:conversion"
	}
	if cnf.Queue.SweepQueue == "" {
		cnf.Queue.SweepQueue = "new:sweep"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}
	if cnf.Queue.SweepIntervalMins <= 0 {
		cnf.Queue.SweepIntervalMins = 30
	}
	if cnf.Queue.RecalcIntervalMins <= 0 {
		cnf.Queue.RecalcIntervalMins = 360
	}

	if cnf.Attribution.LookbackWindowDays <= 0 {
		cnf.Attribution.LookbackWindowDays = 30
	}
	if cnf.Attribution.LookbackWindowDays > 90 {
		log.Printf("Warning: Lookback window of %d days exceeds the 90 day maximum. Clamping.", cnf.Attribution.LookbackWindowDays)
		cnf.Attribution.LookbackWindowDays = 90
	}
	if cnf.Attribution.TimeDecayHalfLifeDays <= 0 {
		cnf.Attribution.TimeDecayHalfLifeDays = 7
	}
	if cnf.Attribution.FreshnessThresholdMin <= 0 {
		cnf.Attribution.FreshnessThresholdMin = 120
	}
	if cnf.Attribution.RecalcWindowDays <= 0 {
		cnf.Attribution.RecalcWindowDays = 3
	}
	if cnf.Attribution.MaxAttempts <= 0 {
		cnf.Attribution.MaxAttempts = 5
	}

	if cnf.Forwarding.WorkersPerPlatform <= 0 {
		cnf.Forwarding.WorkersPerPlatform = 4
	}
	if cnf.Forwarding.MaxAttempts <= 0 {
		cnf.Forwarding.MaxAttempts = 3
	}
	if cnf.Forwarding.TenantRatePerSec <= 0 {
		cnf.Forwarding.TenantRatePerSec = 10
	}
	if cnf.Forwarding.Meta.Enabled && cnf.Forwarding.Meta.Url == "" {
		cnf.Forwarding.Meta.Url = "https://graph.facebook.com/v19.0/events"
	}
	if cnf.Forwarding.GA4.Enabled && cnf.Forwarding.GA4.Url == "" {
		cnf.Forwarding.GA4.Url = "https://www.google-analytics.com/mp/collect"
	}
	if cnf.Forwarding.TenantRateBurst <= 0 {
		cnf.Forwarding.TenantRateBurst = 2 * int(cnf.Forwarding.TenantRatePerSec)
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// AttributionLookback converts the configured default lookback window into a
// duration usable by the calculator.
func (cnf *Configuration) AttributionLookback() time.Duration {
	return time.Duration(cnf.Attribution.LookbackWindowDays) * 24 * time.Hour
}

func (cnf *Configuration) AttributionHalfLife() time.Duration {
	return time.Duration(cnf.Attribution.TimeDecayHalfLifeDays) * 24 * time.Hour
}

func (cnf *Configuration) AttributionFreshness() time.Duration {
	return time.Duration(cnf.Attribution.FreshnessThresholdMin) * time.Minute
}

func (cnf *Configuration) AttributionRecalcWindow() time.Duration {
	return time.Duration(cnf.Attribution.RecalcWindowDays) * 24 * time.Hour
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if mockConfig.Queue.ConversionQueue == "" {
		mockConfig.Queue.ConversionQueue = "new:conversion"
	}
	if mockConfig.Queue.SweepQueue == "" {
		mockConfig.Queue.SweepQueue = "new:sweep"
	}
	if mockConfig.Queue.NumberOfQueues <= 0 {
		mockConfig.Queue.NumberOfQueues = 1
	}
	if mockConfig.Queue.SweepIntervalMins <= 0 {
		mockConfig.Queue.SweepIntervalMins = 30
	}
	if mockConfig.Queue.RecalcIntervalMins <= 0 {
		mockConfig.Queue.RecalcIntervalMins = 360
	}
	if mockConfig.Attribution.LookbackWindowDays <= 0 {
		mockConfig.Attribution.LookbackWindowDays = 30
	}
	if mockConfig.Attribution.TimeDecayHalfLifeDays <= 0 {
		mockConfig.Attribution.TimeDecayHalfLifeDays = 7
	}
	if mockConfig.Attribution.FreshnessThresholdMin <= 0 {
		mockConfig.Attribution.FreshnessThresholdMin = 120
	}
	if mockConfig.Attribution.RecalcWindowDays <= 0 {
		mockConfig.Attribution.RecalcWindowDays = 3
	}
	if mockConfig.Attribution.MaxAttempts <= 0 {
		mockConfig.Attribution.MaxAttempts = 5
	}
	if mockConfig.Forwarding.WorkersPerPlatform <= 0 {
		mockConfig.Forwarding.WorkersPerPlatform = 2
	}
	if mockConfig.Forwarding.MaxAttempts <= 0 {
		mockConfig.Forwarding.MaxAttempts = 3
	}
	if mockConfig.Forwarding.TenantRatePerSec <= 0 {
		mockConfig.Forwarding.TenantRatePerSec = 100
	}
	if mockConfig.Forwarding.TenantRateBurst <= 0 {
		mockConfig.Forwarding.TenantRateBurst = 200
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
