package phivault_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	phivault "github.com/careport/phivault"
)

func metricByName(t *testing.T, report *phivault.ComplianceReport, name string) phivault.ComplianceMetric {
	t.Helper()
	for _, m := range report.Metrics {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("metric %q not in report", name)
	return phivault.ComplianceMetric{}
}

func TestReporter_GenerateReport(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	from, to := now.Add(-2*time.Hour), now.Add(time.Hour)

	t.Run("invalid inputs", func(t *testing.T) {
		store, _, _ := newTestChain(t)
		reporter, err := phivault.NewReporter(store)
		require.NoError(t, err)

		_, err = reporter.GenerateReport(ctx, "ISO27001", from, to)
		assert.ErrorIs(t, err, phivault.ErrInvalidConfiguration)

		_, err = reporter.GenerateReport(ctx, phivault.StandardHIPAA, to, from)
		assert.ErrorIs(t, err, phivault.ErrInvalidConfiguration)
	})

	t.Run("empty period grades needs_attention, not compliant", func(t *testing.T) {
		store, _, _ := newTestChain(t)
		reporter, err := phivault.NewReporter(store)
		require.NoError(t, err)

		report, err := reporter.GenerateReport(ctx, phivault.StandardSOC2TypeII, from, to)
		require.NoError(t, err)

		assert.Len(t, report.Metrics, 5)
		for _, m := range report.Metrics {
			assert.Equal(t, phivault.StatusNeedsAttention, m.Status, m.Name)
			assert.NotEmpty(t, m.Recommendations, m.Name)
		}
		assert.InDelta(t, 50, report.OverallComplianceScore, 0.01)
		assert.Empty(t, report.CriticalIssues)
	})

	t.Run("healthy period", func(t *testing.T) {
		store, writer, _ := newTestChain(t)
		seedHealthyPeriod(t, writer)

		reporter, err := phivault.NewReporter(store, phivault.WithPrivilegedRoles([]string{"admin"}))
		require.NoError(t, err)

		report, err := reporter.GenerateReport(ctx, phivault.StandardHIPAA, from, to)
		require.NoError(t, err)

		assert.Equal(t, phivault.StatusCompliant, metricByName(t, report, "audit_chain_integrity").Status)
		assert.Equal(t, phivault.StatusCompliant, metricByName(t, report, "phi_access_logging_completeness").Status)
		assert.Equal(t, phivault.StatusCompliant, metricByName(t, report, "minimum_necessary_denial_rate").Status)
		assert.Equal(t, phivault.StatusCompliant, metricByName(t, report, "privileged_mfa_adoption").Status)
		assert.Equal(t, phivault.StatusCompliant, metricByName(t, report, "breach_detection_latency").Status)
		assert.InDelta(t, 100, report.OverallComplianceScore, 0.01)
		assert.Empty(t, report.CriticalIssues)
	})

	t.Run("same closed period reports identically", func(t *testing.T) {
		store, writer, _ := newTestChain(t)
		seedHealthyPeriod(t, writer)

		reporter, err := phivault.NewReporter(store, phivault.WithPrivilegedRoles([]string{"admin"}))
		require.NoError(t, err)

		first, err := reporter.GenerateReport(ctx, phivault.StandardHIPAA, from, to)
		require.NoError(t, err)
		second, err := reporter.GenerateReport(ctx, phivault.StandardHIPAA, from, to)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, first.OverallComplianceScore, second.OverallComplianceScore)
		assert.Equal(t, first.Metrics, second.Metrics)
		assert.Equal(t, first.CriticalIssues, second.CriticalIssues)
	})

	t.Run("never-denying policy flags the denial floor", func(t *testing.T) {
		store, writer, _ := newTestChain(t)
		for i := 0; i < 20; i++ {
			_, err := writer.Append(ctx, phiDraft(fmt.Sprintf("op-%d", i), "u-1"))
			require.NoError(t, err)
		}

		reporter, err := phivault.NewReporter(store)
		require.NoError(t, err)
		report, err := reporter.GenerateReport(ctx, phivault.StandardHIPAA, from, to)
		require.NoError(t, err)

		m := metricByName(t, report, "minimum_necessary_denial_rate")
		assert.Equal(t, phivault.StatusNeedsAttention, m.Status)
		assert.InDelta(t, 75, m.CompliancePercent, 0.01)
	})

	t.Run("excessive denials breach the ceiling", func(t *testing.T) {
		store, writer, _ := newTestChain(t)
		for i := 0; i < 10; i++ {
			draft := phiDraft(fmt.Sprintf("op-%d", i), "u-1")
			draft.Outcome = phivault.OutcomeDenied
			draft.Purpose = ""
			draft.FieldsAccessed = nil
			_, err := writer.Append(ctx, draft)
			require.NoError(t, err)
		}

		reporter, err := phivault.NewReporter(store)
		require.NoError(t, err)
		report, err := reporter.GenerateReport(ctx, phivault.StandardHIPAA, from, to)
		require.NoError(t, err)

		m := metricByName(t, report, "minimum_necessary_denial_rate")
		assert.Equal(t, phivault.StatusNonCompliant, m.Status)
	})

	t.Run("slow breach detection is a critical issue", func(t *testing.T) {
		store, writer, _ := newTestChain(t)
		draft := phivault.EntryDraft{
			OpID:      "op-breach",
			EventType: phivault.EventSecurityViolation,
			UserID:    "system",
			Outcome:   phivault.OutcomeError,
			Details: map[string]string{
				"occurred_at": now.Add(-90 * time.Minute).Format(time.RFC3339),
			},
		}
		_, err := writer.Append(ctx, draft)
		require.NoError(t, err)

		reporter, err := phivault.NewReporter(store)
		require.NoError(t, err)
		report, err := reporter.GenerateReport(ctx, phivault.StandardHIPAA, from, to)
		require.NoError(t, err)

		m := metricByName(t, report, "breach_detection_latency")
		assert.Equal(t, phivault.StatusNonCompliant, m.Status)
		assert.Contains(t, report.CriticalIssues, "breach_detection_latency")
	})

	t.Run("low privileged mfa adoption", func(t *testing.T) {
		store, writer, _ := newTestChain(t)
		for i := 0; i < 10; i++ {
			mfa := "false"
			if i < 5 {
				mfa = "true"
			}
			_, err := writer.Append(ctx, phivault.EntryDraft{
				OpID:      fmt.Sprintf("op-login-%d", i),
				EventType: phivault.EventLogin,
				UserID:    fmt.Sprintf("u-%d", i),
				UserRole:  "admin",
				Outcome:   phivault.OutcomeSuccess,
				Details:   map[string]string{"mfa": mfa},
			})
			require.NoError(t, err)
		}

		reporter, err := phivault.NewReporter(store, phivault.WithPrivilegedRoles([]string{"admin"}))
		require.NoError(t, err)
		report, err := reporter.GenerateReport(ctx, phivault.StandardHIPAA, from, to)
		require.NoError(t, err)

		m := metricByName(t, report, "privileged_mfa_adoption")
		assert.Equal(t, phivault.StatusNonCompliant, m.Status)
		assert.InDelta(t, 50, m.CompliancePercent, 0.01)
	})
}

// seedHealthyPeriod writes a plausible compliant hour of traffic: mostly
// granted PHI accesses with a small denial share, MFA'd privileged logins,
// and one promptly detected violation.
func seedHealthyPeriod(t *testing.T, writer *phivault.ChainWriter) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		draft := phiDraft(fmt.Sprintf("op-phi-%d", i), "u-1")
		if i == 0 {
			draft.Outcome = phivault.OutcomeDenied
			draft.Purpose = ""
			draft.FieldsAccessed = nil
		}
		_, err := writer.Append(ctx, draft)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		_, err := writer.Append(ctx, phivault.EntryDraft{
			OpID:      fmt.Sprintf("op-login-%d", i),
			EventType: phivault.EventLogin,
			UserID:    fmt.Sprintf("u-%d", i),
			UserRole:  "admin",
			Outcome:   phivault.OutcomeSuccess,
			Details:   map[string]string{"mfa": "true"},
		})
		require.NoError(t, err)
	}

	_, err := writer.Append(ctx, phivault.EntryDraft{
		OpID:      "op-violation",
		EventType: phivault.EventSecurityViolation,
		UserID:    "system",
		Outcome:   phivault.OutcomeError,
		Details: map[string]string{
			"occurred_at": time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		},
	})
	require.NoError(t, err)
}
