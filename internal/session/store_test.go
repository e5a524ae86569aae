package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coupon-finder/internal/models"
	"coupon-finder/internal/storage"
)

// failingStore rejects every operation, standing in for unavailable storage.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage unavailable")
}
func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("storage unavailable")
}
func (failingStore) Close() error { return nil }

func readRecord(t *testing.T, s storage.Store) persistedState {
	t.Helper()
	data, err := s.Get(context.Background(), StorageKey)
	if err != nil {
		t.Fatalf("Failed to read persisted record: %v", err)
	}
	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("Persisted record is not JSON: %v", err)
	}
	return p
}

func TestNew_Defaults(t *testing.T) {
	s := New().Snapshot()

	if s.Region != models.RegionAmerica {
		t.Errorf("Expected default region america, got %s", s.Region)
	}
	if s.Country != "" || s.Credential != "" || s.User != nil {
		t.Errorf("Expected empty country, credential and user, got %+v", s)
	}
	if s.DailyRevealCount != 0 || s.InterstitialPending {
		t.Errorf("Expected zero counter and no interstitial, got %+v", s)
	}
}

func TestRecordReveal_CountsEveryCall(t *testing.T) {
	store := New()
	for i := 1; i <= 37; i++ {
		snap := store.RecordReveal()
		if snap.DailyRevealCount != i {
			t.Fatalf("After %d reveals expected count %d, got %d", i, i, snap.DailyRevealCount)
		}
	}
}

func TestRecordReveal_ConcurrentCallsAreNotLost(t *testing.T) {
	store := New()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.RecordReveal()
		}()
	}
	wg.Wait()

	if got := store.Snapshot().DailyRevealCount; got != 200 {
		t.Errorf("Expected 200 reveals, got %d", got)
	}
}

func TestRecordReveal_InterstitialEveryThird(t *testing.T) {
	store := New()

	for i := 1; i <= 9; i++ {
		snap := store.RecordReveal()
		want := i >= 3
		if snap.InterstitialPending != want {
			t.Fatalf("After reveal %d expected pending=%v, got %v", i, want, snap.InterstitialPending)
		}
	}
}

func TestRecordReveal_AcknowledgeClearsUntilNextMultiple(t *testing.T) {
	store := New()

	for i := 0; i < 3; i++ {
		store.RecordReveal()
	}
	if !ShouldShowInterstitial(store.Snapshot()) {
		t.Fatal("Expected interstitial after 3rd reveal")
	}

	store.AcknowledgeInterstitial()
	if ShouldShowInterstitial(store.Snapshot()) {
		t.Fatal("Expected interstitial cleared after acknowledge")
	}

	// 4th and 5th never raise it.
	store.RecordReveal()
	store.RecordReveal()
	if ShouldShowInterstitial(store.Snapshot()) {
		t.Fatal("Expected no interstitial after 4th and 5th reveal")
	}

	store.RecordReveal()
	if !ShouldShowInterstitial(store.Snapshot()) {
		t.Fatal("Expected interstitial after 6th reveal")
	}
}

func TestSetRegion_ClearsCountry(t *testing.T) {
	store := New()
	store.SetRegion(models.RegionAsia)
	store.SetCountry("JP")

	store.SetRegion(models.RegionEurope)

	if got := store.Snapshot().Country; got != "" {
		t.Errorf("Expected country cleared, got %q", got)
	}
}

func TestScenario_RegionSwitchClearsCountry(t *testing.T) {
	store := New()

	store.SetRegion(models.RegionAsia)
	store.SetCountry("JP")
	store.SetRegion(models.RegionAmerica)

	s := store.Snapshot()
	if s.Region != models.RegionAmerica {
		t.Errorf("Expected region america, got %s", s.Region)
	}
	if s.Country != "" {
		t.Errorf("Expected country cleared, got %q", s.Country)
	}
}

func TestSetCountry_DoesNotCheckRegion(t *testing.T) {
	store := New()
	store.SetCountry("JP")

	if got := store.Snapshot().Country; got != "JP" {
		t.Errorf("Expected country JP, got %q", got)
	}
}

func TestLogout_KeepsFilterAndUsage(t *testing.T) {
	store := New()
	store.SetUser(&models.User{ID: "u1", Email: "a@b.co"})
	store.SetCredential("tok")
	store.SetRegion(models.RegionEurope)
	store.SetCountry("DE")
	store.RecordReveal()

	store.Logout()

	s := store.Snapshot()
	if s.User != nil || s.Credential != "" {
		t.Errorf("Expected identity cleared, got user=%v credential=%q", s.User, s.Credential)
	}
	if s.Region != models.RegionEurope || s.Country != "DE" || s.DailyRevealCount != 1 {
		t.Errorf("Expected filter and usage kept, got %+v", s)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	store := New()
	store.SetUser(&models.User{ID: "u1", FullName: "Ada"})

	snap := store.Snapshot()
	snap.User.FullName = "changed"

	if got := store.Snapshot().User.FullName; got != "Ada" {
		t.Errorf("Expected stored user untouched, got %q", got)
	}
}

func TestResetAndReconcile(t *testing.T) {
	store := New()
	for i := 0; i < 3; i++ {
		store.RecordReveal()
	}

	store.ResetDailyCount()
	if got := store.Snapshot().DailyRevealCount; got != 0 {
		t.Errorf("Expected 0 after reset, got %d", got)
	}

	store.ReconcileDailyCount(50)
	s := store.Snapshot()
	if s.DailyRevealCount != 50 {
		t.Errorf("Expected 50 after reconcile, got %d", s.DailyRevealCount)
	}
	if !s.InterstitialPending {
		t.Error("Reconcile must not clear a pending interstitial")
	}

	store.ReconcileDailyCount(-4)
	if got := store.Snapshot().DailyRevealCount; got != 0 {
		t.Errorf("Expected negative reconcile to clamp to 0, got %d", got)
	}
}

func TestResetDailyCount_StampsAndPersistsResetTime(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()

	first := Open(ctx, backend)
	if !first.Snapshot().LastResetAt.IsZero() {
		t.Fatal("Expected no reset time on a fresh store")
	}

	before := time.Now().Add(-time.Second)
	first.ResetDailyCount()
	first.ReconcileDailyCount(12)
	stamped := first.Snapshot().LastResetAt
	if stamped.Before(before) {
		t.Fatalf("Expected reset time to be stamped, got %v", stamped)
	}
	first.Close()

	if p := readRecord(t, backend); p.LastResetAt == nil || !p.LastResetAt.Equal(stamped) {
		t.Errorf("Expected persisted reset time %v, got %v", stamped, p.LastResetAt)
	}

	second := Open(ctx, backend)
	defer second.Close()
	s := second.Snapshot()
	if !s.LastResetAt.Equal(stamped) {
		t.Errorf("Expected reset time %v restored, got %v", stamped, s.LastResetAt)
	}
	if s.DailyRevealCount != 12 {
		t.Errorf("Reconcile must not touch the reset time or lose the count, got %d", s.DailyRevealCount)
	}
}

func TestOpen_RecordWithoutResetTime(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()
	record := `{"version":1,"region":"europe","country":"DE","daily_reveal_count":7}`
	if err := backend.Set(ctx, StorageKey, []byte(record)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	store := Open(ctx, backend)
	defer store.Close()

	s := store.Snapshot()
	if s.DailyRevealCount != 7 || s.Region != models.RegionEurope {
		t.Errorf("Expected older record to load, got %+v", s)
	}
	if !s.LastResetAt.IsZero() {
		t.Errorf("Expected unknown reset time, got %v", s.LastResetAt)
	}
}

func TestOpen_ReadsExistingClientRecord(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()
	record := `{"version":1,"credential":"tok","region":"asia","daily_reveal_count":9}`
	if err := backend.Set(ctx, "globalcouponfinder-storage", []byte(record)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	store := Open(ctx, backend)
	defer store.Close()

	if s := store.Snapshot(); s.Credential != "tok" || s.DailyRevealCount != 9 {
		t.Errorf("Expected record under the client's key to load, got %+v", s)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	backend, err := storage.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()

	first := Open(ctx, backend)
	first.SetCredential("secret-token")
	first.SetRegion(models.RegionAsia)
	first.SetCountry("SG")
	first.SetSearchQuery("pizza")
	for i := 0; i < 4; i++ {
		first.RecordReveal()
	}
	first.Close()

	second := Open(ctx, backend)
	defer second.Close()

	s := second.Snapshot()
	if s.Credential != "secret-token" {
		t.Errorf("Expected credential restored, got %q", s.Credential)
	}
	if s.Region != models.RegionAsia || s.Country != "SG" {
		t.Errorf("Expected asia/SG restored, got %s/%s", s.Region, s.Country)
	}
	if s.DailyRevealCount != 4 {
		t.Errorf("Expected count 4 restored, got %d", s.DailyRevealCount)
	}
	if s.InterstitialPending {
		t.Error("Expected interstitial to reset to default")
	}
	if s.SearchQuery != "" || s.User != nil {
		t.Errorf("Expected non-persisted fields at defaults, got search=%q user=%v", s.SearchQuery, s.User)
	}
}

func TestPersistence_LastWriteWins(t *testing.T) {
	backend := storage.NewMemory()
	store := Open(context.Background(), backend)
	defer store.Close()

	for i := 0; i < 500; i++ {
		store.RecordReveal()
	}
	store.SetRegion(models.RegionEurope)
	store.SetCountry("FR")
	store.Flush()

	p := readRecord(t, backend)
	if p.DailyRevealCount != 500 || p.Region != models.RegionEurope || p.Country != "FR" {
		t.Errorf("Expected persisted record to match memory, got %+v", p)
	}
}

func TestSetCredential_PersistedOnReturn(t *testing.T) {
	backend := storage.NewMemory()
	store := Open(context.Background(), backend)
	defer store.Close()

	store.SetCredential("tok-1")
	if p := readRecord(t, backend); p.Credential != "tok-1" {
		t.Errorf("Expected credential persisted before return, got %q", p.Credential)
	}

	store.SetCredential("")
	if p := readRecord(t, backend); p.Credential != "" {
		t.Errorf("Expected credential removed before return, got %q", p.Credential)
	}

	store.SetCredential("tok-2")
	store.Logout()
	if p := readRecord(t, backend); p.Credential != "" {
		t.Errorf("Expected logout to remove persisted credential, got %q", p.Credential)
	}
}

func TestOpen_MalformedRecordFallsBackToDefaults(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{{`,
		"unknown region":   `{"version":1,"region":"mars","daily_reveal_count":2}`,
		"country mismatch": `{"version":1,"region":"europe","country":"JP"}`,
		"negative count":   `{"version":1,"region":"asia","daily_reveal_count":-1}`,
		"future version":   `{"version":99,"region":"asia"}`,
		"wrong types":      `{"region":7,"daily_reveal_count":"many"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			backend := storage.NewMemory()
			_ = backend.Set(context.Background(), StorageKey, []byte(raw))

			store := Open(context.Background(), backend)
			defer store.Close()

			s := store.Snapshot()
			if s.Region != models.RegionAmerica || s.Country != "" || s.Credential != "" || s.DailyRevealCount != 0 {
				t.Errorf("Expected defaults, got %+v", s)
			}
		})
	}
}

func TestOpen_AcceptsRecordWithoutVersion(t *testing.T) {
	backend := storage.NewMemory()
	_ = backend.Set(context.Background(), StorageKey,
		[]byte(`{"credential":"t","region":"europe","country":"DE","daily_reveal_count":7}`))

	store := Open(context.Background(), backend)
	defer store.Close()

	s := store.Snapshot()
	if s.Credential != "t" || s.Region != models.RegionEurope || s.Country != "DE" || s.DailyRevealCount != 7 {
		t.Errorf("Expected record restored, got %+v", s)
	}
}

func TestStorageFailure_InMemoryStateStaysAuthoritative(t *testing.T) {
	store := Open(context.Background(), failingStore{})
	defer store.Close()

	store.SetCredential("tok")
	store.SetRegion(models.RegionAsia)
	store.RecordReveal()
	store.Flush()

	s := store.Snapshot()
	if s.Credential != "tok" || s.Region != models.RegionAsia || s.DailyRevealCount != 1 {
		t.Errorf("Expected in-memory state despite storage failure, got %+v", s)
	}
}

func TestClose_StoreKeepsWorkingInMemory(t *testing.T) {
	backend := storage.NewMemory()
	store := Open(context.Background(), backend)
	store.RecordReveal()
	store.Close()

	store.RecordReveal()
	store.SetCredential("after-close")

	s := store.Snapshot()
	if s.DailyRevealCount != 2 || s.Credential != "after-close" {
		t.Errorf("Expected in-memory mutations after close, got %+v", s)
	}
	if p := readRecord(t, backend); p.DailyRevealCount != 1 {
		t.Errorf("Expected persisted count to stay at 1, got %d", p.DailyRevealCount)
	}
}
