package rank

import (
	"strings"
	"time"
)

// TaskStatus is the persisted lifecycle state of a work item.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
)

// WorkItem is one (keyword, target) unit of rank-checking work.
type WorkItem struct {
	ID         int64      `json:"id"`
	Keyword    string     `json:"keyword"`
	Target     string     `json:"target"`
	Status     TaskStatus `json:"status"`
	WorkerID   string     `json:"worker_id,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	RetryCount int        `json:"retry_count"`
}

// NoRank marks an absent organic rank. Ads always carry it.
const NoRank = 0

// ProductEntry is one product as it appears in the combined result set.
type ProductEntry struct {
	Identifier   string `json:"identifier"`
	DisplayName  string `json:"display_name"`
	TotalRank    int    `json:"total_rank"`
	OrganicRank  int    `json:"organic_rank,omitempty"`
	IsAd         bool   `json:"is_ad"`
	PagePosition int    `json:"page_position"`
}

// HasOrganicRank reports whether the entry carries an organic position.
func (e ProductEntry) HasOrganicRank() bool {
	return e.OrganicRank != NoRank
}

// ResultStatus is the terminal state of one resolution attempt.
type ResultStatus string

// Result status values.
const (
	StatusFound    ResultStatus = "found"
	StatusNotFound ResultStatus = "not_found"
	StatusBlocked  ResultStatus = "blocked"
	StatusError    ResultStatus = "error"
)

// Source identifies which extraction tier produced a page's entries.
type Source string

// Extraction tiers.
const (
	SourceIntercepted Source = "intercepted"
	SourceScraped     Source = "scraped"
	SourceUnavailable Source = "unavailable"
)

// RankResult is the terminal outcome of resolving one work item.
type RankResult struct {
	Status       ResultStatus  `json:"status"`
	Entry        ProductEntry  `json:"entry"`
	PageNumber   int           `json:"page_number,omitempty"`
	PagePosition int           `json:"page_position,omitempty"`
	ResolvedID   string        `json:"resolved_id,omitempty"`
	PagesScanned int           `json:"pages_scanned"`
	Source       Source        `json:"source,omitempty"`
	Err          error         `json:"-"`
	ErrorText    string        `json:"error,omitempty"`
	Abandoned    bool          `json:"abandoned,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Found reports whether the target was located.
func (r RankResult) Found() bool {
	return r.Status == StatusFound
}

// Failed builds an error result, keeping the error text for sinks.
func Failed(err error) RankResult {
	status := StatusError
	if IsBlocked(err) {
		status = StatusBlocked
	}
	res := RankResult{Status: status, Err: err}
	if err != nil {
		res.ErrorText = err.Error()
	}
	return res
}

// Rotation reports the outcome of one egress identity change.
type Rotation struct {
	OldAddress string `json:"old_address"`
	NewAddress string `json:"new_address"`
	Success    bool   `json:"success"`
}

// RunSnapshot summarizes the pool activity of the running process.
type RunSnapshot struct {
	Owner       string    `json:"owner"`
	Running     bool      `json:"running"`
	Cycles      int       `json:"cycles"`
	Claimed     int       `json:"claimed"`
	Recovered   int       `json:"recovered"`
	Found       int       `json:"found"`
	NotFound    int       `json:"not_found"`
	Blocked     int       `json:"blocked"`
	Errors      int       `json:"errors"`
	Requeued    int       `json:"requeued"`
	Abandoned   int       `json:"abandoned"`
	Released    int       `json:"released"`
	Lost        int       `json:"lost"`
	LastCycleAt time.Time `json:"last_cycle_at,omitzero"`
}

// NormalizeID canonicalizes a catalog identifier for comparison.
// Numeric identifiers lose their leading zeros.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || strings.Trim(id, "0123456789") != "" {
		return id
	}
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
