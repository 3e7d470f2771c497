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
	"time"

	"github.com/gin-gonic/gin"

	model2 "github.com/usetally/tally/api/model"
)

// RecordConversion handles conversion ingestion. Replaying the same order id
// for a tenant returns the existing conversion with 200 instead of creating
// a duplicate.
func (a Api) RecordConversion(c *gin.Context) {
	var newConversion model2.RecordConversion
	if err := c.ShouldBindJSON(&newConversion); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newConversion.ValidateRecordConversion(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	cnv := newConversion.ToConversion()
	resp, err := a.tally.RecordConversion(c.Request.Context(), cnv)
	if err != nil {
		apiError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.ConversionID != cnv.ConversionID {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// GetConversion retrieves a conversion by id.
func (a Api) GetConversion(c *gin.Context) {
	id, tenantID, ok := conversionParams(c)
	if !ok {
		return
	}

	conversion, err := a.tally.GetConversion(c.Request.Context(), tenantID, id)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, conversion)
}

// GetConversionByOrderID retrieves a conversion by its order reference.
func (a Api) GetConversionByOrderID(c *gin.Context) {
	orderID, passed := c.Params.Get("order_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required. pass id in the route /orders/:order_id/conversion"})
		return
	}
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return
	}

	conversion, err := a.tally.GetConversionByOrderID(c.Request.Context(), tenantID, orderID)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, conversion)
}

// GetAttributionResults returns all model allocations for a conversion.
func (a Api) GetAttributionResults(c *gin.Context) {
	id, tenantID, ok := conversionParams(c)
	if !ok {
		return
	}

	results, err := a.tally.GetAttributionResults(c.Request.Context(), tenantID, id)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, results)
}

// GetAttributionResult returns one model's allocation for a conversion.
func (a Api) GetAttributionResult(c *gin.Context) {
	id, tenantID, ok := conversionParams(c)
	if !ok {
		return
	}
	mdl, passed := c.Params.Get("model")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required. pass it in the route /conversions/:id/attribution/:model"})
		return
	}

	result, err := a.tally.GetAttributionResult(c.Request.Context(), tenantID, id, mdl)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetForwardingRecords returns per-platform delivery state for a conversion.
func (a Api) GetForwardingRecords(c *gin.Context) {
	id, _, ok := conversionParams(c)
	if !ok {
		return
	}

	records, err := a.tally.GetForwardingRecords(c.Request.Context(), id)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, records)
}

// GetChannelSummary aggregates credited revenue by channel for one model over
// a reporting window. The window defaults to the last 7 days.
func (a Api) GetChannelSummary(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return
	}
	mdl := c.Query("model")
	if mdl == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model query parameter is required"})
		return
	}

	from, to, err := parseWindow(c, 7*24*time.Hour)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := a.tally.GetChannelSummary(c.Request.Context(), tenantID, mdl, from, to)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func conversionParams(c *gin.Context) (string, string, bool) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /conversions/:id"})
		return "", "", false
	}
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return "", "", false
	}
	return id, tenantID, true
}
