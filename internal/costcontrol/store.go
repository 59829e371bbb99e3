package costcontrol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// dateLayout is the calendar-date key format in the persisted ledger.
const dateLayout = "2006-01-02"

// Store persists per-user, per-day spending aggregates as a JSON file:
// user_id -> date -> {sessions, total_cost, total_messages}.
//
// One REPL process per user is assumed; cross-process writers are out of
// scope. Saves replace the whole file atomically (write temp, rename) so a
// crash mid-session never corrupts prior days' totals.
type Store struct {
	path string
	days map[string]map[string]*DayEntry
}

// OpenStore loads the ledger file at path. A missing, unreadable, or corrupt
// file yields an empty ledger: losing cost history is less harmful than
// refusing to start.
func OpenStore(path string) *Store {
	s := &Store{path: path, days: map[string]map[string]*DayEntry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("cost ledger unreadable, starting empty")
		}
		return s
	}
	if err := json.Unmarshal(data, &s.days); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cost ledger corrupt, starting empty")
		s.days = map[string]map[string]*DayEntry{}
	}
	return s
}

// Day returns the entry for (userID, date), or nil if none exists.
func (s *Store) Day(userID string, date time.Time) *DayEntry {
	byDate, ok := s.days[userID]
	if !ok {
		return nil
	}
	return byDate[date.Format(dateLayout)]
}

// DailyCost returns the persisted total cost for (userID, date).
func (s *Store) DailyCost(userID string, date time.Time) float64 {
	if d := s.Day(userID, date); d != nil {
		return d.TotalCost
	}
	return 0
}

// AddSession appends a finished session's aggregate to the (userID, date)
// entry, creating it if absent, and saves the ledger.
func (s *Store) AddSession(userID string, date time.Time, entry SessionEntry) error {
	byDate, ok := s.days[userID]
	if !ok {
		byDate = map[string]*DayEntry{}
		s.days[userID] = byDate
	}
	key := date.Format(dateLayout)
	day, ok := byDate[key]
	if !ok {
		day = &DayEntry{}
		byDate[key] = day
	}

	day.Sessions = append(day.Sessions, entry)
	day.TotalCost += entry.Cost
	day.TotalMessages += entry.Messages

	return s.save()
}

// save writes the whole ledger to a temp file and renames it into place.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.days, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cost ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".costs-*.json")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write cost ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close cost ledger: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace cost ledger: %w", err)
	}
	return nil
}
