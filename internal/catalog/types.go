package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies an external catalog provider.
//
// Sources form a small closed set: adapters are registered per Source in a
// lookup table, and the scheduler iterates over that table. Adding a provider
// means adding a constant here plus an adapter implementation.
type Source string

const (
	SourceShikimori Source = "shikimori"
	SourceMAL       Source = "mal"
)

// Sources lists every known provider in a stable order.
func Sources() []Source {
	return []Source{SourceShikimori, SourceMAL}
}

func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case SourceShikimori, SourceMAL:
		return s, nil
	}
	return "", fmt.Errorf("unknown source %q", raw)
}

// Lifecycle status values. Providers may report other raw strings; those are
// stored verbatim, but only the constants below carry reconciliation meaning.
const (
	StatusOngoing   = "ongoing"
	StatusReleased  = "released"
	StatusCompleted = "completed"
	StatusAnnounced = "announced"
)

// TerminalStatus reports whether a status value means the release is finished.
func TerminalStatus(status string) bool {
	return status == StatusReleased || status == StatusCompleted
}

// Item is one tracked release as persisted in the catalog table.
//
// (Source, SourceID) uniquely identifies an item when SourceID is set; legacy
// rows may miss SourceID, for those the title is the only match key.
type Item struct {
	ID int64 `db:"id"`

	Title         string  `db:"title"`
	EnglishTitle  *string `db:"english_title"`
	JapaneseTitle *string `db:"japanese_title"`
	Synonyms      *string `db:"synonyms"`

	Source   Source  `db:"source"`
	SourceID *string `db:"source_id"`

	URL       *string `db:"url"`
	MirrorURL *string `db:"mirror_url"`

	Kind   *string `db:"kind"`
	Status string  `db:"status"`

	Episodes      *int `db:"episodes"`
	EpisodesAired *int `db:"episodes_aired"`

	Score      *float64   `db:"score"`
	AiredOn    *time.Time `db:"aired_on"`
	ReleasedOn *time.Time `db:"released_on"`

	ImageURL    *string `db:"image_url"`
	Genres      *string `db:"genres"`
	Duration    *string `db:"duration"`
	Description *string `db:"description"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// BestURL prefers the mirror link when one was resolved.
func (it Item) BestURL() string {
	if it.MirrorURL != nil && *it.MirrorURL != "" {
		return *it.MirrorURL
	}
	if it.URL != nil {
		return *it.URL
	}
	return ""
}

// Record is one normalized entry from a source fetch. Only Source, SourceID
// and Title are guaranteed; everything else is whatever the provider exposed.
// Records are ephemeral: they exist between a fetch and its reconciliation.
type Record struct {
	Source   Source
	SourceID string
	Title    string

	EnglishTitle  *string
	JapaneseTitle *string
	Synonyms      *string

	URL       *string
	MirrorURL *string

	Kind   *string
	Status *string

	Episodes      *int
	EpisodesAired *int

	Score      *float64
	AiredOn    *time.Time
	ReleasedOn *time.Time

	ImageURL    *string
	Genres      *string
	Duration    *string
	Description *string
}

// Page is one fetched slice of a provider listing plus pagination metadata.
type Page struct {
	Records    []Record
	TotalPages int
	TotalCount int
}

type EventKind string

const (
	EventEpisodesAdvanced EventKind = "episodes_advanced"
	EventStatusChanged    EventKind = "status_changed"
)

// ChangeEvent is produced by a reconciliation batch and consumed exactly once
// by the notifier. Item is the stored row; Old*/New* hold the transition the
// event describes, captured before the mutation was applied.
type ChangeEvent struct {
	Item Item
	Kind EventKind

	OldEpisodes int
	NewEpisodes int

	OldStatus string
	NewStatus string
}
