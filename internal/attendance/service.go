package attendance

import (
	"context"
	"fmt"
	"log"
	"time"

	"rollcall/internal/classify"
)

// Event is a scoping container for one occasion's roster and ledger.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RosterEntry is one registered student within an event.
type RosterEntry struct {
	Roll   string `json:"roll_number"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// Record is one check-in. Branch is captured at check-in time and does not
// follow later roster edits.
type Record struct {
	EventID    string    `json:"event_id"`
	Roll       string    `json:"roll_number"`
	Name       string    `json:"name"`
	Branch     string    `json:"branch"`
	Day        string    `json:"date"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Attendee is a ledger row with its position in check-in order.
type Attendee struct {
	Seq    int    `json:"s_no"`
	Roll   string `json:"roll_number"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// Aggregate is the live tally pushed to dashboards. PerBranch always holds an
// entry for every canonical branch. RosterTotal comes from a separate write
// path, so it can momentarily disagree with Total.
type Aggregate struct {
	EventID     string         `json:"event_id"`
	Total       int            `json:"total"`
	PerBranch   map[string]int `json:"branch_counts"`
	RosterTotal int            `json:"roster_total"`
}

// CheckInResult is returned on a successful check-in.
type CheckInResult struct {
	Roll   string `json:"roll_number"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// ImportRow is one validated roster row from a bulk upload.
type ImportRow struct {
	Roll   string `json:"roll_number"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// ImportSummary reports a bulk import outcome.
type ImportSummary struct {
	Inserted       int `json:"count"`
	SkippedInBatch int `json:"duplicates_skipped"`
}

// DeleteReport states which cascade steps completed. Deletion is not
// transactional across the three tables; a failed step leaves earlier steps
// committed and the report tells the caller what remains.
type DeleteReport struct {
	RosterRemoved int64 `json:"roster_removed"`
	LedgerRemoved int64 `json:"ledger_removed"`
	RosterDone    bool  `json:"roster_done"`
	LedgerDone    bool  `json:"ledger_done"`
	EventDone     bool  `json:"event_done"`
}

// EventStore is the event-record slice of the repository.
type EventStore interface {
	InsertEvent(ctx context.Context, name string) (Event, error)
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
	DeleteEvent(ctx context.Context, id string) (bool, error)
}

// RosterStore is the per-event student registry.
type RosterStore interface {
	LookupRoster(ctx context.Context, eventID, roll string) (*RosterEntry, error)
	UpsertRoster(ctx context.Context, eventID string, e RosterEntry) error
	RemoveRoster(ctx context.Context, eventID, roll string) (bool, error)
	RemoveRosterAll(ctx context.Context, eventID string) (int64, error)
	CountRoster(ctx context.Context, eventID string) (int, error)
}

// LedgerStore is the append-only check-in record. InsertRecord must be atomic
// with respect to the (eventID, roll) key: under concurrent duplicates exactly
// one call returns inserted=true.
type LedgerStore interface {
	InsertRecord(ctx context.Context, rec Record) (bool, error)
	RecordExists(ctx context.Context, eventID, roll string) (bool, error)
	RemoveRecord(ctx context.Context, eventID, roll string) (bool, error)
	RemoveRecordAll(ctx context.Context, eventID string) (int64, error)
	ListRecords(ctx context.Context, eventID, branch string) ([]Record, error)
	CountRecordsByBranch(ctx context.Context, eventID string) (map[string]int, error)
}

// Publisher pushes an aggregate to the event's subscriber group. Delivery is
// best-effort and must never fail the mutation that triggered it.
type Publisher interface {
	Publish(eventID string, agg Aggregate)
}

// Service coordinates classification, roster, ledger, and fan-out.
type Service struct {
	events EventStore
	roster RosterStore
	ledger LedgerStore
	pub    Publisher
}

// NewService creates a service over the given stores. pub may be nil.
func NewService(events EventStore, roster RosterStore, ledger LedgerStore, pub Publisher) *Service {
	return &Service{events: events, roster: roster, ledger: ledger, pub: pub}
}

// CheckIn records attendance for a roll number. Unknown students are reported
// as ErrStudentNotFound so the kiosk can prompt registration; a repeat for the
// same (event, roll) is ErrDuplicate.
func (s *Service) CheckIn(ctx context.Context, eventID, rawRoll string) (CheckInResult, error) {
	cls, err := classify.Classify(rawRoll)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	entry, err := s.roster.LookupRoster(ctx, eventID, cls.Roll)
	if err != nil {
		return CheckInResult{}, err
	}
	if entry == nil {
		return CheckInResult{}, fmt.Errorf("%w: %s", ErrStudentNotFound, cls.Roll)
	}

	branch := classify.NormalizeBranch(entry.Branch)
	if branch == "" {
		branch = cls.Branch
	}
	inserted, err := s.ledger.InsertRecord(ctx, Record{
		EventID: eventID,
		Roll:    cls.Roll,
		Name:    entry.Name,
		Branch:  branch,
	})
	if err != nil {
		return CheckInResult{}, err
	}
	if !inserted {
		return CheckInResult{}, fmt.Errorf("%w: %s", ErrDuplicate, cls.Roll)
	}

	s.publishCounts(ctx, eventID)
	return CheckInResult{Roll: cls.Roll, Name: entry.Name, Branch: branch}, nil
}

// RegisterStudent upserts a roster entry and immediately checks the student
// in (walk-in registration). An empty branch falls back to the classifier.
func (s *Service) RegisterStudent(ctx context.Context, eventID, rawRoll, name, branch string) (CheckInResult, error) {
	cls, err := classify.Classify(rawRoll)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if name == "" {
		return CheckInResult{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if err := s.requireEvent(ctx, eventID); err != nil {
		return CheckInResult{}, err
	}

	if branch = classify.NormalizeBranch(branch); branch == "" {
		branch = cls.Branch
	}
	if err := s.roster.UpsertRoster(ctx, eventID, RosterEntry{Roll: cls.Roll, Name: name, Branch: branch}); err != nil {
		return CheckInResult{}, err
	}

	inserted, err := s.ledger.InsertRecord(ctx, Record{
		EventID: eventID,
		Roll:    cls.Roll,
		Name:    name,
		Branch:  branch,
	})
	if err != nil {
		return CheckInResult{}, err
	}
	if !inserted {
		return CheckInResult{}, fmt.Errorf("%w: %s", ErrDuplicate, cls.Roll)
	}

	s.publishCounts(ctx, eventID)
	return CheckInResult{Roll: cls.Roll, Name: name, Branch: branch}, nil
}

// BulkImport applies a batch of roster rows. Within the batch the first
// occurrence of a roll wins and repeats are counted as skipped; across calls
// the upsert keeps last-value-wins. Rows with an unusable roll or missing
// name are dropped silently, matching sheet-upload expectations.
func (s *Service) BulkImport(ctx context.Context, eventID string, rows []ImportRow) (ImportSummary, error) {
	if err := s.requireEvent(ctx, eventID); err != nil {
		return ImportSummary{}, err
	}

	var sum ImportSummary
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		cls, err := classify.Classify(row.Roll)
		if err != nil || row.Name == "" {
			continue
		}
		if _, dup := seen[cls.Roll]; dup {
			sum.SkippedInBatch++
			continue
		}
		seen[cls.Roll] = struct{}{}

		branch := classify.NormalizeBranch(row.Branch)
		if branch == "" {
			branch = cls.Branch
		}
		if err := s.roster.UpsertRoster(ctx, eventID, RosterEntry{Roll: cls.Roll, Name: row.Name, Branch: branch}); err != nil {
			return sum, err
		}
		sum.Inserted++
	}

	if sum.Inserted > 0 {
		s.publishCounts(ctx, eventID)
	}
	return sum, nil
}

// RemoveStudent clears both the roster entry and any check-in for the roll,
// returning the student to unknown for this event. The two deletes are
// separate calls, not an atomic pair.
func (s *Service) RemoveStudent(ctx context.Context, eventID, rawRoll string) (bool, error) {
	roll := classify.Clean(rawRoll)
	if roll == "" {
		return false, fmt.Errorf("%w: roll number required", ErrValidation)
	}

	rosterHit, err := s.roster.RemoveRoster(ctx, eventID, roll)
	if err != nil {
		return false, err
	}
	ledgerHit, err := s.ledger.RemoveRecord(ctx, eventID, roll)
	if err != nil {
		return false, err
	}
	if !rosterHit && !ledgerHit {
		return false, nil
	}

	s.publishCounts(ctx, eventID)
	return true, nil
}

// ListAttendees returns check-ins in recorded order with sequence numbers.
func (s *Service) ListAttendees(ctx context.Context, eventID, branchFilter string) ([]Attendee, error) {
	if err := s.requireEvent(ctx, eventID); err != nil {
		return nil, err
	}
	branchFilter = classify.NormalizeBranch(branchFilter)
	if branchFilter == "ALL" {
		branchFilter = ""
	}

	records, err := s.ledger.ListRecords(ctx, eventID, branchFilter)
	if err != nil {
		return nil, err
	}
	out := make([]Attendee, 0, len(records))
	for i, rec := range records {
		out = append(out, Attendee{Seq: i + 1, Roll: rec.Roll, Name: rec.Name, Branch: rec.Branch})
	}
	return out, nil
}

// Aggregate computes the event's tally. Total and the per-branch breakdown
// come from one grouped query; the roster total is fetched on its own.
func (s *Service) Aggregate(ctx context.Context, eventID string) (Aggregate, error) {
	if err := s.requireEvent(ctx, eventID); err != nil {
		return Aggregate{}, err
	}
	return s.aggregate(ctx, eventID)
}

func (s *Service) aggregate(ctx context.Context, eventID string) (Aggregate, error) {
	counts, err := s.ledger.CountRecordsByBranch(ctx, eventID)
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{EventID: eventID, PerBranch: make(map[string]int, len(counts))}
	for branch, n := range counts {
		agg.PerBranch[branch] = n
		agg.Total += n
	}
	// Zero-fill so dashboards never probe for missing branches.
	for _, branch := range classify.Branches() {
		if _, ok := agg.PerBranch[branch]; !ok {
			agg.PerBranch[branch] = 0
		}
	}

	agg.RosterTotal, err = s.roster.CountRoster(ctx, eventID)
	if err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

// CreateEvent creates a new event container.
func (s *Service) CreateEvent(ctx context.Context, name string) (Event, error) {
	if name == "" {
		return Event{}, fmt.Errorf("%w: event name required", ErrValidation)
	}
	return s.events.InsertEvent(ctx, name)
}

// ListEvents returns all events, newest first.
func (s *Service) ListEvents(ctx context.Context) ([]Event, error) {
	return s.events.ListEvents(ctx)
}

// DeleteEvent cascades roster, then ledger, then the event record. There is
// no rollback: a failure mid-way returns the report of what already
// completed alongside the error.
func (s *Service) DeleteEvent(ctx context.Context, eventID string) (DeleteReport, error) {
	var report DeleteReport

	if err := s.requireEvent(ctx, eventID); err != nil {
		return report, err
	}

	n, err := s.roster.RemoveRosterAll(ctx, eventID)
	if err != nil {
		return report, fmt.Errorf("cascade roster: %w", err)
	}
	report.RosterRemoved = n
	report.RosterDone = true

	n, err = s.ledger.RemoveRecordAll(ctx, eventID)
	if err != nil {
		return report, fmt.Errorf("cascade ledger: %w", err)
	}
	report.LedgerRemoved = n
	report.LedgerDone = true

	removed, err := s.events.DeleteEvent(ctx, eventID)
	if err != nil {
		return report, fmt.Errorf("cascade event: %w", err)
	}
	report.EventDone = removed
	return report, nil
}

func (s *Service) requireEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("%w: event id required", ErrValidation)
	}
	evt, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if evt == nil {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return nil
}

// publishCounts recomputes and pushes the aggregate after a mutation. The
// write already committed, so failures here are logged and swallowed. A
// racing mutation may supersede this snapshot; it publishes its own.
func (s *Service) publishCounts(ctx context.Context, eventID string) {
	if s.pub == nil {
		return
	}
	agg, err := s.aggregate(ctx, eventID)
	if err != nil {
		log.Printf("aggregate for broadcast failed (event %s): %v", eventID, err)
		return
	}
	s.pub.Publish(eventID, agg)
}
