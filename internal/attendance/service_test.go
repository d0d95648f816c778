package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore backs all three store interfaces for service tests. InsertRecord
// holds the lock across check-then-write, mirroring the constrained insert
// the real storage provides.
type memStore struct {
	mu      sync.Mutex
	events  map[string]Event
	roster  map[string]map[string]RosterEntry
	ledger  map[string]map[string]Record
	order   map[string][]string
	nextID  int
	failOn  string
	failErr error
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]Event),
		roster: make(map[string]map[string]RosterEntry),
		ledger: make(map[string]map[string]Record),
		order:  make(map[string][]string),
	}
}

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return m.failErr
	}
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, name string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	evt := Event{ID: fmt.Sprintf("evt-%d", m.nextID), Name: name, CreatedAt: time.Now()}
	m.events[evt.ID] = evt
	return evt, nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.events[id]; ok {
		return &evt, nil
	}
	return nil, nil
}

func (m *memStore) ListEvents(_ context.Context) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, evt := range m.events {
		out = append(out, evt)
	}
	return out, nil
}

func (m *memStore) DeleteEvent(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return false, nil
	}
	delete(m.events, id)
	return true, nil
}

func (m *memStore) LookupRoster(_ context.Context, eventID, roll string) (*RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.roster[eventID][roll]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *memStore) UpsertRoster(_ context.Context, eventID string, e RosterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roster[eventID] == nil {
		m.roster[eventID] = make(map[string]RosterEntry)
	}
	m.roster[eventID][e.Roll] = e
	return nil
}

func (m *memStore) RemoveRoster(_ context.Context, eventID, roll string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roster[eventID][roll]; !ok {
		return false, nil
	}
	delete(m.roster[eventID], roll)
	return true, nil
}

func (m *memStore) RemoveRosterAll(_ context.Context, eventID string) (int64, error) {
	if err := m.fail("roster-all"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.roster[eventID]))
	delete(m.roster, eventID)
	return n, nil
}

func (m *memStore) CountRoster(_ context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.roster[eventID]), nil
}

func (m *memStore) InsertRecord(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger[rec.EventID] == nil {
		m.ledger[rec.EventID] = make(map[string]Record)
	}
	if _, dup := m.ledger[rec.EventID][rec.Roll]; dup {
		return false, nil
	}
	rec.RecordedAt = time.Now()
	m.ledger[rec.EventID][rec.Roll] = rec
	m.order[rec.EventID] = append(m.order[rec.EventID], rec.Roll)
	return true, nil
}

func (m *memStore) RecordExists(_ context.Context, eventID, roll string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ledger[eventID][roll]
	return ok, nil
}

func (m *memStore) RemoveRecord(_ context.Context, eventID, roll string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledger[eventID][roll]; !ok {
		return false, nil
	}
	delete(m.ledger[eventID], roll)
	for i, r := range m.order[eventID] {
		if r == roll {
			m.order[eventID] = append(m.order[eventID][:i], m.order[eventID][i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *memStore) RemoveRecordAll(_ context.Context, eventID string) (int64, error) {
	if err := m.fail("ledger-all"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.ledger[eventID]))
	delete(m.ledger, eventID)
	delete(m.order, eventID)
	return n, nil
}

func (m *memStore) ListRecords(_ context.Context, eventID, branch string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, roll := range m.order[eventID] {
		rec := m.ledger[eventID][roll]
		if branch != "" && rec.Branch != branch {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) CountRecordsByBranch(_ context.Context, eventID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range m.ledger[eventID] {
		counts[rec.Branch]++
	}
	return counts, nil
}

// fakePublisher records published aggregates.
type fakePublisher struct {
	mu   sync.Mutex
	sent []Aggregate
}

func (p *fakePublisher) Publish(_ string, agg Aggregate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, agg)
}

func (p *fakePublisher) last() (Aggregate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return Aggregate{}, false
	}
	return p.sent[len(p.sent)-1], true
}

func newTestService(t *testing.T) (*Service, *memStore, *fakePublisher, Event) {
	t.Helper()
	store := newMemStore()
	pub := &fakePublisher{}
	svc := NewService(store, store, store, pub)
	evt, err := svc.CreateEvent(context.Background(), "DEPLOYX 2026")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return svc, store, pub, evt
}

func TestCheckInFlow(t *testing.T) {
	svc, _, pub, evt := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CheckIn(ctx, evt.ID, "21015A0504"); !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("check-in before registration: err = %v, want ErrStudentNotFound", err)
	}

	if _, err := svc.BulkImport(ctx, evt.ID, []ImportRow{{Roll: "21015A0504", Name: "Asha"}}); err != nil {
		t.Fatalf("BulkImport: %v", err)
	}

	res, err := svc.CheckIn(ctx, evt.ID, " 21015a0504.0 ")
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if res.Roll != "21015A0504" || res.Branch != "CSE" || res.Name != "Asha" {
		t.Errorf("CheckIn result = %+v", res)
	}

	if _, err := svc.CheckIn(ctx, evt.ID, "21015A0504"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("repeat check-in: err = %v, want ErrDuplicate", err)
	}

	agg, err := svc.Aggregate(ctx, evt.ID)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.Total != 1 || agg.PerBranch["CSE"] != 1 {
		t.Errorf("aggregate after duplicate attempt = %+v", agg)
	}

	if got, ok := pub.last(); !ok || got.Total != 1 {
		t.Errorf("last published aggregate = %+v ok=%v, want total 1", got, ok)
	}

	if _, err := svc.CheckIn(ctx, evt.ID, "short"); !errors.Is(err, ErrValidation) {
		t.Fatalf("short roll: err = %v, want ErrValidation", err)
	}
}

func TestCheckInConcurrentDuplicates(t *testing.T) {
	svc, store, _, evt := newTestService(t)
	ctx := context.Background()

	if _, err := svc.BulkImport(ctx, evt.ID, []ImportRow{{Roll: "21015A0504", Name: "Asha"}}); err != nil {
		t.Fatalf("BulkImport: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CheckIn(ctx, evt.ID, "21015A0504")
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicate):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Fatalf("got %d successes, %d duplicates; want 1 and %d", ok, dup, n-1)
	}
	if len(store.ledger[evt.ID]) != 1 {
		t.Fatalf("ledger has %d records, want 1", len(store.ledger[evt.ID]))
	}
}

func TestAggregateZeroFillAndConsistency(t *testing.T) {
	svc, _, _, evt := newTestService(t)
	ctx := context.Background()

	rows := []ImportRow{
		{Roll: "21015A0504", Name: "Asha"},
		{Roll: "21015A0401", Name: "Ravi"},
		{Roll: "21015A6102", Name: "Meena", Branch: "AIM"}, // legacy alias
	}
	if _, err := svc.BulkImport(ctx, evt.ID, rows); err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	for _, row := range rows {
		if _, err := svc.CheckIn(ctx, evt.ID, row.Roll); err != nil {
			t.Fatalf("CheckIn %s: %v", row.Roll, err)
		}
	}

	agg, err := svc.Aggregate(ctx, evt.ID)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.Total != 3 || agg.RosterTotal != 3 {
		t.Fatalf("aggregate = %+v", agg)
	}
	sum := 0
	for _, n := range agg.PerBranch {
		sum += n
	}
	if sum != agg.Total {
		t.Errorf("per-branch sum %d != total %d", sum, agg.Total)
	}
	for _, branch := range []string{"CIVIL", "EEE", "MECH", "ECE", "CSE", "CST", "ECT", "CAI", "CSD", "AIML"} {
		if _, ok := agg.PerBranch[branch]; !ok {
			t.Errorf("per-branch missing %s", branch)
		}
	}
	if agg.PerBranch["AIML"] != 1 {
		t.Errorf("alias AIM did not land in AIML bucket: %+v", agg.PerBranch)
	}
	if _, ok := agg.PerBranch["AIM"]; ok {
		t.Errorf("alias bucket leaked into aggregate: %+v", agg.PerBranch)
	}
}

func TestBulkImportSkipsInBatchDuplicates(t *testing.T) {
	svc, store, _, evt := newTestService(t)
	ctx := context.Background()

	sum, err := svc.BulkImport(ctx, evt.ID, []ImportRow{
		{Roll: "21015A0504", Name: "Asha"},
		{Roll: "21015a0504.0", Name: "Asha Again"}, // same roll after cleaning
		{Roll: "21015A0401", Name: "Ravi"},
		{Roll: "bad", Name: "Nobody"},
		{Roll: "21015A0599", Name: ""},
	})
	if err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	if sum.Inserted != 2 || sum.SkippedInBatch != 1 {
		t.Fatalf("summary = %+v, want 2 inserted, 1 skipped", sum)
	}
	if got := store.roster[evt.ID]["21015A0504"].Name; got != "Asha" {
		t.Errorf("first occurrence should win within a batch, got name %q", got)
	}

	// A later call re-importing the same roll replaces the entry.
	if _, err := svc.BulkImport(ctx, evt.ID, []ImportRow{{Roll: "21015A0504", Name: "Asha Updated"}}); err != nil {
		t.Fatalf("second BulkImport: %v", err)
	}
	if got := store.roster[evt.ID]["21015A0504"].Name; got != "Asha Updated" {
		t.Errorf("last value should win across batches, got name %q", got)
	}
}

func TestRemoveStudentResetsState(t *testing.T) {
	svc, _, _, evt := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RegisterStudent(ctx, evt.ID, "21015A0504", "Asha", ""); err != nil {
		t.Fatalf("RegisterStudent: %v", err)
	}

	removed, err := svc.RemoveStudent(ctx, evt.ID, "21015A0504")
	if err != nil || !removed {
		t.Fatalf("RemoveStudent = %v, %v; want removed", removed, err)
	}

	// Roster entry is gone, so a fresh check-in must not recreate attendance.
	if _, err := svc.CheckIn(ctx, evt.ID, "21015A0504"); !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("check-in after removal: err = %v, want ErrStudentNotFound", err)
	}

	removed, err = svc.RemoveStudent(ctx, evt.ID, "21015A0504")
	if err != nil || removed {
		t.Fatalf("second RemoveStudent = %v, %v; want not removed", removed, err)
	}
}

func TestRegisterStudentImplicitCheckIn(t *testing.T) {
	svc, _, pub, evt := newTestService(t)
	ctx := context.Background()

	res, err := svc.RegisterStudent(ctx, evt.ID, "21015A0504", "Asha", "aim")
	if err != nil {
		t.Fatalf("RegisterStudent: %v", err)
	}
	if res.Branch != "AIML" {
		t.Errorf("explicit branch not normalized: %q", res.Branch)
	}

	agg, ok := pub.last()
	if !ok || agg.Total != 1 || agg.RosterTotal != 1 {
		t.Fatalf("published aggregate = %+v ok=%v", agg, ok)
	}

	if _, err := svc.RegisterStudent(ctx, evt.ID, "21015A0504", "Asha", ""); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("re-register: err = %v, want ErrDuplicate", err)
	}
}

func TestDeleteEventCascade(t *testing.T) {
	svc, store, _, evt := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RegisterStudent(ctx, evt.ID, "21015A0504", "Asha", ""); err != nil {
		t.Fatalf("RegisterStudent: %v", err)
	}

	report, err := svc.DeleteEvent(ctx, evt.ID)
	if err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if !report.RosterDone || !report.LedgerDone || !report.EventDone {
		t.Fatalf("report = %+v, want all steps done", report)
	}
	if report.RosterRemoved != 1 || report.LedgerRemoved != 1 {
		t.Errorf("report counts = %+v", report)
	}
	if len(store.roster[evt.ID]) != 0 || len(store.ledger[evt.ID]) != 0 {
		t.Errorf("rows left behind after cascade")
	}

	if _, err := svc.Aggregate(ctx, evt.ID); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Aggregate after delete: err = %v, want ErrEventNotFound", err)
	}
	if _, err := svc.ListAttendees(ctx, evt.ID, ""); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("ListAttendees after delete: err = %v, want ErrEventNotFound", err)
	}
	if _, err := svc.DeleteEvent(ctx, evt.ID); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("second DeleteEvent: err = %v, want ErrEventNotFound", err)
	}
}

func TestDeleteEventPartialFailure(t *testing.T) {
	svc, store, _, evt := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RegisterStudent(ctx, evt.ID, "21015A0504", "Asha", ""); err != nil {
		t.Fatalf("RegisterStudent: %v", err)
	}

	store.failOn = "ledger-all"
	store.failErr = errors.New("storage unavailable")

	report, err := svc.DeleteEvent(ctx, evt.ID)
	if err == nil {
		t.Fatal("DeleteEvent succeeded despite ledger failure")
	}
	if !report.RosterDone || report.LedgerDone || report.EventDone {
		t.Fatalf("report = %+v, want only roster done", report)
	}
	// The event record must survive so the caller can retry the remainder.
	if _, ok := store.events[evt.ID]; !ok {
		t.Error("event record deleted despite failed cascade step")
	}
}

func TestListAttendeesOrderAndFilter(t *testing.T) {
	svc, _, _, evt := newTestService(t)
	ctx := context.Background()

	rolls := []string{"21015A0504", "21015A0401", "21015A0505"}
	for i, roll := range rolls {
		if _, err := svc.RegisterStudent(ctx, evt.ID, roll, fmt.Sprintf("S%d", i), ""); err != nil {
			t.Fatalf("RegisterStudent %s: %v", roll, err)
		}
	}

	all, err := svc.ListAttendees(ctx, evt.ID, "ALL")
	if err != nil {
		t.Fatalf("ListAttendees: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d attendees, want 3", len(all))
	}
	for i, a := range all {
		if a.Seq != i+1 {
			t.Errorf("attendee %d has seq %d", i, a.Seq)
		}
		if a.Roll != rolls[i] {
			t.Errorf("insertion order broken: pos %d = %s, want %s", i, a.Roll, rolls[i])
		}
	}

	cse, err := svc.ListAttendees(ctx, evt.ID, "cse")
	if err != nil {
		t.Fatalf("ListAttendees filtered: %v", err)
	}
	if len(cse) != 2 {
		t.Fatalf("CSE filter returned %d, want 2", len(cse))
	}
}
