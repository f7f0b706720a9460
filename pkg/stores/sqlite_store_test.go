package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/policy"
)

// setupTestStore creates an in-memory SQLite store for testing. A
// single connection keeps every query on the same memory database.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testStorePolicy(name string) *policy.Policy {
	return &policy.Policy{
		Name:   name,
		Type:   policy.TypeKeywordFilter,
		Status: policy.StatusActive,
		Config: &policy.KeywordFilterConfig{
			ConfigBase: policy.ConfigBase{OnViolation: policy.ActionBlock, ViolationSeverity: policy.SeverityHigh},
			Patterns:   []string{"(?i)forbidden"},
		},
		OrganizationID: "org-1",
		Tags:           []string{"test"},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	for _, table := range []string{"policies", "evaluations"} {
		var count int
		err := store.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query sqlite_master: %v", err)
		}
		if count != 1 {
			t.Errorf("table %s missing after migration", table)
		}
	}
}

func TestStore_PolicyCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := testStorePolicy("block-forbidden")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if p.ID == "" || p.Version != 1 {
		t.Fatalf("create should assign id and version 1, got id=%q version=%d", p.ID, p.Version)
	}

	got, err := store.Get(ctx, p.ID, "org-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "block-forbidden" || got.Type != policy.TypeKeywordFilter {
		t.Errorf("got %s/%s, want block-forbidden/keyword_filter", got.Name, got.Type)
	}
	cfg, ok := got.Config.(*policy.KeywordFilterConfig)
	if !ok {
		t.Fatalf("config round-trip type = %T, want *KeywordFilterConfig", got.Config)
	}
	if len(cfg.Patterns) != 1 || cfg.Patterns[0] != "(?i)forbidden" {
		t.Errorf("patterns round-trip = %v", cfg.Patterns)
	}
	if cfg.Action() != policy.ActionBlock || cfg.Severity() != policy.SeverityHigh {
		t.Errorf("action/severity round-trip = %s/%s", cfg.Action(), cfg.Severity())
	}
	if len(got.Tags) != 1 || got.Tags[0] != "test" {
		t.Errorf("tags round-trip = %v", got.Tags)
	}

	// Cross-organization reads miss.
	if _, err := store.Get(ctx, p.ID, "org-2"); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("cross-org get should be ErrNotFound, got %v", err)
	}

	if err := store.Delete(ctx, p.ID, "org-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, p.ID, "org-1"); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("double delete should be ErrNotFound, got %v", err)
	}
}

func TestStore_PolicyUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := testStorePolicy("p1")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	p.Description = "updated description"
	if err := store.Update(ctx, p); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if p.Version != 2 {
		t.Errorf("version after update = %d, want 2", p.Version)
	}

	got, err := store.Get(ctx, p.ID, "org-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Description != "updated description" || got.Version != 2 {
		t.Errorf("persisted description/version = %q/%d", got.Description, got.Version)
	}

	// Type changes are rejected.
	bad := got.Clone()
	bad.Type = policy.TypePerformance
	bad.Config = &policy.PerformanceConfig{ConfigBase: policy.ConfigBase{OnViolation: policy.ActionWarn, ViolationSeverity: policy.SeverityLow}}
	if err := store.Update(ctx, bad); !errors.Is(err, policy.ErrTypeImmutable) {
		t.Errorf("type change should be ErrTypeImmutable, got %v", err)
	}

	// Activating a policy with a broken config is rejected.
	broken := got.Clone()
	broken.Status = policy.StatusActive
	broken.Config.(*policy.KeywordFilterConfig).Patterns = nil
	if err := store.Update(ctx, broken); !errors.Is(err, policy.ErrInvalidConfig) {
		t.Errorf("activation with invalid config should fail, got %v", err)
	}
}

func TestStore_ListAndSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	names := []string{"a", "b", "c"}
	for i, n := range names {
		p := testStorePolicy(n)
		// Distinct timestamps make creation order observable.
		p.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("create %s failed: %v", n, err)
		}
	}
	other := testStorePolicy("other-org")
	other.OrganizationID = "org-2"
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	list, err := store.List(ctx, "org-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list len = %d, want 3", len(list))
	}
	for i, p := range list {
		if p.Name != names[i] {
			t.Errorf("list[%d] = %s, want %s", i, p.Name, names[i])
		}
	}

	snap, err := store.Snapshot(ctx, "org-1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Len() != 3 || len(snap.Active()) != 3 {
		t.Errorf("snapshot len/active = %d/%d, want 3/3", snap.Len(), len(snap.Active()))
	}
}

func testEvaluation(id, orgID string, status engine.Status) *engine.EvaluationResult {
	now := time.Now().UTC()
	return &engine.EvaluationResult{
		ID:             id,
		RequestID:      "req-" + id,
		OrganizationID: orgID,
		Status:         status,
		OverallScore:   0.5,
		HasViolations:  status == engine.StatusBlocked,
		PolicyResults: []engine.PolicyEvaluationResult{
			{PolicyID: "p1", PolicyName: "p1", PolicyType: policy.TypeKeywordFilter, Status: engine.StatusCompleted, Score: 0.5},
		},
		TotalExecutionTimeMS: 12.5,
		Metadata:             map[string]string{"stage": "request"},
		CreatedAt:            now,
		CompletedAt:          &now,
	}
}

func TestStore_EvaluationRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ev := testEvaluation("eval-1", "org-1", engine.StatusBlocked)
	ev.BlockedBy = "p1"
	if err := store.Record(ctx, ev); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	got, err := store.GetEvaluation(ctx, "eval-1", "org-1")
	if err != nil {
		t.Fatalf("get evaluation failed: %v", err)
	}
	if got.Status != engine.StatusBlocked || got.BlockedBy != "p1" {
		t.Errorf("status/blocked_by = %s/%s, want blocked/p1", got.Status, got.BlockedBy)
	}
	if got.OverallScore != 0.5 || !got.HasViolations {
		t.Errorf("score/violations = %v/%v", got.OverallScore, got.HasViolations)
	}
	if len(got.PolicyResults) != 1 || got.PolicyResults[0].PolicyID != "p1" {
		t.Errorf("policy results round-trip = %+v", got.PolicyResults)
	}
	if got.Metadata["stage"] != "request" {
		t.Errorf("metadata round-trip = %v", got.Metadata)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at lost in round trip")
	}

	if _, err := store.GetEvaluation(ctx, "eval-1", "org-2"); err == nil {
		t.Error("cross-org evaluation read should fail")
	}
}

func TestStore_ListEvaluations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		ev := testEvaluation(id, "org-1", engine.StatusCompleted)
		ev.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.SaveEvaluation(ctx, ev); err != nil {
			t.Fatalf("save %s failed: %v", id, err)
		}
	}

	list, err := store.ListEvaluations(ctx, "org-1", 2, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list len = %d, want 2", len(list))
	}
	// Newest first.
	if list[0].ID != "e3" || list[1].ID != "e2" {
		t.Errorf("list order = %s,%s, want e3,e2", list[0].ID, list[1].ID)
	}

	rest, err := store.ListEvaluations(ctx, "org-1", 10, 2)
	if err != nil {
		t.Fatalf("offset list failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "e1" {
		t.Errorf("offset list = %+v, want just e1", rest)
	}
}

func TestStore_PurgeEvaluationsBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := testEvaluation("old", "org-1", engine.StatusCompleted)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	recent := testEvaluation("recent", "org-1", engine.StatusCompleted)

	for _, ev := range []*engine.EvaluationResult{old, recent} {
		if err := store.SaveEvaluation(ctx, ev); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	purged, err := store.PurgeEvaluationsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	if _, err := store.GetEvaluation(ctx, "old", "org-1"); err == nil {
		t.Error("old evaluation should be gone")
	}
	if _, err := store.GetEvaluation(ctx, "recent", "org-1"); err != nil {
		t.Errorf("recent evaluation should survive: %v", err)
	}
}

func TestStore_Stats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testStorePolicy("p1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	inactive := testStorePolicy("p2")
	inactive.Status = policy.StatusInactive
	if err := store.Create(ctx, inactive); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for _, ev := range []*engine.EvaluationResult{
		testEvaluation("e1", "org-1", engine.StatusCompleted),
		testEvaluation("e2", "org-1", engine.StatusBlocked),
		testEvaluation("e3", "org-1", engine.StatusFailed),
	} {
		if err := store.SaveEvaluation(ctx, ev); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	stats, err := store.Stats(ctx, "org-1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalEvaluations != 3 {
		t.Errorf("total = %d, want 3", stats.TotalEvaluations)
	}
	if stats.CompletedCount != 1 || stats.BlockedCount != 1 || stats.FailedCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", stats.CompletedCount, stats.BlockedCount, stats.FailedCount)
	}
	if stats.ViolationCount != 1 {
		t.Errorf("violations = %d, want 1", stats.ViolationCount)
	}
	if stats.TotalPolicyCount != 2 || stats.ActivePolicyCount != 1 {
		t.Errorf("policies = %d/%d, want 2/1", stats.TotalPolicyCount, stats.ActivePolicyCount)
	}
}
