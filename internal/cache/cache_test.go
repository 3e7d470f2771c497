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
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/config"
)

func newTestCache(t *testing.T) Cache {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Error starting miniredis: %s", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})

	c, err := NewCache()
	assert.NoError(t, err)
	return c
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	key := "tally:attribution:tenant-1:cnv_123:linear"
	setValue := map[string]string{"channel": "meta"}
	err := c.Set(ctx, key, setValue, 10*time.Minute)
	assert.NoError(t, err)

	var getValue map[string]string
	err = c.Get(ctx, key, &getValue)
	assert.NoError(t, err)
	assert.Equal(t, setValue, getValue)
}

func TestGetMissLeavesValueUntouched(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	// A miss is not an error on the read path. Callers fall through to
	// Postgres when the destination stays empty.
	var getValue map[string]string
	err := c.Get(ctx, "tally:attribution:tenant-1:cnv_missing:linear", &getValue)
	assert.NoError(t, err)
	assert.Empty(t, getValue)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	key := "tally:settings:tenant-1"
	err := c.Set(ctx, key, "value", 10*time.Minute)
	assert.NoError(t, err)

	err = c.Delete(ctx, key)
	assert.NoError(t, err)

	var getValue string
	err = c.Get(ctx, key, &getValue)
	assert.NoError(t, err)
	assert.Empty(t, getValue)

	err = c.Delete(ctx, "tally:settings:tenant-missing")
	assert.NoError(t, err)
}
