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
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/usetally/tally/api/model"
)

// GetTenantSettings returns a tenant's stored attribution overrides.
func (a Api) GetTenantSettings(c *gin.Context) {
	tenantID, passed := c.Params.Get("tenant_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required. pass id in the route /tenants/:tenant_id/settings"})
		return
	}

	settings, err := a.tally.GetTenantSettings(c.Request.Context(), tenantID)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, settings)
}

// UpdateTenantSettings stores a tenant's attribution overrides.
func (a Api) UpdateTenantSettings(c *gin.Context) {
	tenantID, passed := c.Params.Get("tenant_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required. pass id in the route /tenants/:tenant_id/settings"})
		return
	}

	var req model2.UpdateTenantSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateUpdateTenantSettings(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	settings := req.ToTenantSettings(tenantID)
	if err := a.tally.UpdateTenantSettings(c.Request.Context(), settings); err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, settings)
}

// RunSweep triggers a reconciliation sweep for a tenant. The sweep is
// enqueued, not run inline, so the request returns immediately.
func (a Api) RunSweep(c *gin.Context) {
	var req model2.RunSweep
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateRunSweep(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.tally.Queue().EnqueueSweep(c.Request.Context(), req.TenantID, req.Mode); err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"tenant_id": req.TenantID, "mode": req.Mode, "status": "queued"})
}
