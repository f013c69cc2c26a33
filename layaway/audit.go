package layaway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// AuditFinding is one inconsistency found by Audit.
type AuditFinding struct {
	PlanID     string `json:"planId,omitempty"`
	PaymentRef string `json:"paymentRef,omitempty"`
	Problem    string `json:"problem"`
}

// AuditReport summarizes a full pass over plans and reference claims.
type AuditReport struct {
	CheckedAt time.Time      `json:"checkedAt"`
	Plans     int            `json:"plans"`
	Claims    int            `json:"claims"`
	Findings  []AuditFinding `json:"findings"`
}

// Clean reports whether the audit found nothing.
func (r *AuditReport) Clean() bool { return len(r.Findings) == 0 }

// Audit re-checks every plan's invariants and cross-checks payments against
// reference claims. Both are written in the same commit, so any mismatch
// means the store was modified outside the engine.
func (e *Engine) Audit(ctx context.Context) (*AuditReport, error) {
	planDocs, err := e.store.List(ctx, CollectionPlans)
	if err != nil {
		return nil, storageError("audit plans", err)
	}
	claimDocs, err := e.store.List(ctx, CollectionPaymentRefs)
	if err != nil {
		return nil, storageError("audit payment references", err)
	}

	report := &AuditReport{
		CheckedAt: e.now().UTC(),
		Plans:     len(planDocs),
		Claims:    len(claimDocs),
		Findings:  []AuditFinding{},
	}
	add := func(planID, ref, format string, args ...any) {
		report.Findings = append(report.Findings, AuditFinding{PlanID: planID, PaymentRef: ref, Problem: fmt.Sprintf(format, args...)})
	}

	claims := make(map[string]refClaim, len(claimDocs))
	for _, doc := range claimDocs {
		var c refClaim
		if err := json.Unmarshal(doc.Data, &c); err != nil {
			add("", doc.ID, "unreadable claim: %v", err)
			continue
		}
		claims[doc.ID] = c
	}

	plans := make(map[string]*Plan, len(planDocs))
	for _, doc := range planDocs {
		p, err := decodePlan(doc)
		if err != nil {
			add(doc.ID, "", "unreadable plan: %v", err)
			continue
		}
		plans[p.ID] = p
		if err := p.CheckInvariants(); err != nil {
			add(p.ID, "", "%v", err)
		}
		for _, pay := range p.Payments {
			c, ok := claims[pay.PaymentRef]
			switch {
			case !ok:
				add(p.ID, pay.PaymentRef, "payment has no reference claim")
			case c.PlanID != p.ID:
				add(p.ID, pay.PaymentRef, "reference claimed by plan %s", c.PlanID)
			case !c.Amount.Equal(pay.Amount):
				add(p.ID, pay.PaymentRef, "claim amount %s differs from payment %s", c.Amount, pay.Amount)
			}
		}
	}

	refs := make([]string, 0, len(claims))
	for ref := range claims {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		c := claims[ref]
		p, ok := plans[c.PlanID]
		if !ok {
			add(c.PlanID, ref, "claim points to a missing plan")
			continue
		}
		if !p.HasPayment(ref) {
			add(c.PlanID, ref, "claim has no matching payment")
		}
	}

	if !report.Clean() {
		e.logger.WarnContext(ctx, "layaway audit found inconsistencies",
			"plans", report.Plans, "claims", report.Claims, "findings", len(report.Findings))
	}
	return report, nil
}
