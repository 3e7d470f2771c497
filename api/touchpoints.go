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

// RecordTouchpoint handles touchpoint ingestion. It binds the incoming JSON
// request, validates it, and appends the touchpoint through the service,
// which stitches the visitor's identity along the way.
func (a Api) RecordTouchpoint(c *gin.Context) {
	var newTouchpoint model2.RecordTouchpoint
	if err := c.ShouldBindJSON(&newTouchpoint); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newTouchpoint.ValidateRecordTouchpoint(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.tally.RecordTouchpoint(c.Request.Context(), newTouchpoint.ToTouchpoint())
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetTouchpointsForVisitor returns a visitor's touchpoints in a window,
// widened to the visitor's stitched identity. The window defaults to the
// last 30 days.
func (a Api) GetTouchpointsForVisitor(c *gin.Context) {
	visitorID, passed := c.Params.Get("visitor_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visitor_id is required. pass id in the route /touchpoints/:visitor_id"})
		return
	}
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return
	}

	from, to, err := parseWindow(c, 30*24*time.Hour)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	touchpoints, err := a.tally.GetTouchpointsForVisitor(c.Request.Context(), tenantID, visitorID, from, to)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, touchpoints)
}

// GetIdentity returns a stitched identity with its visitor members.
func (a Api) GetIdentity(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /identities/:id"})
		return
	}
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return
	}

	identity, err := a.tally.GetIdentity(c.Request.Context(), tenantID, id)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, identity)
}

// GetIdentityByVisitor resolves a visitor id to its stitched identity.
func (a Api) GetIdentityByVisitor(c *gin.Context) {
	visitorID, passed := c.Params.Get("visitor_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visitor_id is required. pass id in the route /identities/visitors/:visitor_id"})
		return
	}
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return
	}

	identity, err := a.tally.GetIdentityByVisitor(c.Request.Context(), tenantID, visitorID)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, identity)
}

// parseWindow reads optional from/to RFC3339 query parameters, defaulting to
// the trailing span ending now.
func parseWindow(c *gin.Context, span time.Duration) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.Add(-span)
	var err error
	if raw := c.Query("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}
