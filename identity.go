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
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

// StitchIdentity folds a touchpoint's visitor into the identity graph using
// its strong keys. Visitors that share a customer id, email hash or platform
// click id belong to the same person; when the keys connect visitors that
// currently sit on different identities, the identities merge. Returns the
// identity id the visitor ends up on.
//
// Merging picks the lexicographically smallest identity id as the winner, so
// concurrent stitches converge on the same survivor regardless of order.
func (l *Tally) StitchIdentity(ctx context.Context, tp *model.Touchpoint) (string, error) {
	ctx, span := tracer.Start(ctx, "Stitching identity")
	defer span.End()

	keys := tp.StrongKeys()
	visitors := []string{tp.VisitorID}
	if len(keys) > 0 {
		linked, err := l.datasource.GetVisitorsByStrongKeys(ctx, tp.TenantID, keys)
		if err != nil {
			return "", err
		}
		for _, v := range linked {
			if v != tp.VisitorID {
				visitors = append(visitors, v)
			}
		}
	}

	identities, orphans, err := l.collectIdentities(ctx, tp.TenantID, visitors)
	if err != nil {
		return "", err
	}

	if len(identities) == 0 {
		idn := &model.StitchedIdentity{
			IdentityID: model.GenerateUUIDWithSuffix("idn"),
			TenantID:   tp.TenantID,
			VisitorIDs: visitors,
		}
		if err := l.datasource.CreateIdentity(ctx, idn); err != nil {
			// A concurrent stitch may have created the identity first. Retry
			// the lookup once instead of failing the ingest.
			if existing, lookupErr := l.datasource.GetIdentityByVisitor(ctx, tp.TenantID, tp.VisitorID); lookupErr == nil {
				return existing.IdentityID, nil
			}
			return "", err
		}
		return idn.IdentityID, nil
	}

	winner := identities[0]
	if len(identities) > 1 {
		loserIDs := make([]string, 0, len(identities)-1)
		for _, idn := range identities[1:] {
			loserIDs = append(loserIDs, idn.IdentityID)
		}
		if err := l.datasource.MergeIdentities(ctx, tp.TenantID, winner.IdentityID, loserIDs); err != nil {
			return "", err
		}
		logrus.WithFields(logrus.Fields{
			"tenant_id":   tp.TenantID,
			"identity_id": winner.IdentityID,
			"merged":      len(loserIDs),
		}).Info("merged stitched identities")
	}

	if len(orphans) > 0 {
		if err := l.datasource.AddVisitorsToIdentity(ctx, tp.TenantID, winner.IdentityID, orphans); err != nil {
			return "", err
		}
	}
	return winner.IdentityID, nil
}

// collectIdentities partitions visitors into the distinct identities they
// already belong to, sorted by identity id, and the visitors on no identity
// yet.
func (l *Tally) collectIdentities(ctx context.Context, tenantID string, visitors []string) ([]*model.StitchedIdentity, []string, error) {
	seen := make(map[string]*model.StitchedIdentity)
	var orphans []string
	for _, visitorID := range visitors {
		idn, err := l.datasource.GetIdentityByVisitor(ctx, tenantID, visitorID)
		if err != nil {
			if apierror.IsNotFound(err) {
				orphans = append(orphans, visitorID)
				continue
			}
			return nil, nil, err
		}
		seen[idn.IdentityID] = idn
	}

	identities := make([]*model.StitchedIdentity, 0, len(seen))
	for _, idn := range seen {
		identities = append(identities, idn)
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].IdentityID < identities[j].IdentityID
	})
	return identities, orphans, nil
}

// identityVisitors returns every visitor id attributable to the person
// behind a conversion: the conversion's own visitor plus all members of its
// stitched identity, and any visitors reachable through the conversion's
// customer id. A conversion with no identity resolves to just its visitor.
func (l *Tally) identityVisitors(ctx context.Context, cnv *model.Conversion) ([]string, error) {
	members := map[string]struct{}{}
	if cnv.VisitorID != "" {
		members[cnv.VisitorID] = struct{}{}

		idn, err := l.datasource.GetIdentityByVisitor(ctx, cnv.TenantID, cnv.VisitorID)
		if err != nil && !apierror.IsNotFound(err) {
			return nil, err
		}
		if err == nil {
			for _, v := range idn.VisitorIDs {
				members[v] = struct{}{}
			}
		}
	}

	if cnv.CustomerID != "" {
		linked, err := l.datasource.GetVisitorsByStrongKeys(ctx, cnv.TenantID, []string{"customer:" + cnv.CustomerID})
		if err != nil {
			return nil, err
		}
		for _, v := range linked {
			members[v] = struct{}{}
		}
	}

	visitors := make([]string, 0, len(members))
	for v := range members {
		visitors = append(visitors, v)
	}
	sort.Strings(visitors)
	return visitors, nil
}

// GetIdentity loads a stitched identity with its members.
func (l *Tally) GetIdentity(ctx context.Context, tenantID, identityID string) (*model.StitchedIdentity, error) {
	return l.datasource.GetIdentity(ctx, tenantID, identityID)
}

// GetIdentityByVisitor resolves a visitor to its stitched identity.
func (l *Tally) GetIdentityByVisitor(ctx context.Context, tenantID, visitorID string) (*model.StitchedIdentity, error) {
	return l.datasource.GetIdentityByVisitor(ctx, tenantID, visitorID)
}
