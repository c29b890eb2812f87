package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	sqlite "modernc.org/sqlite"

	"aniwatch/internal/catalog"
	"aniwatch/pkg/logx"
)

// sqliteUniqueViolation is SQLITE_CONSTRAINT_UNIQUE.
const sqliteUniqueViolation = 2067

// ItemBySourceID looks an item up by its (source, source_id) identity.
func (s *Store) ItemBySourceID(ctx context.Context, source catalog.Source, sourceID string) (catalog.Item, error) {
	const q = `SELECT * FROM anime WHERE source = ? AND source_id = ?;`
	var it catalog.Item
	err := s.db.GetContext(ctx, &it, q, source, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Item{}, ErrNotFound
	}
	if err != nil {
		return catalog.Item{}, fmt.Errorf("fetch item by source id: %w", err)
	}
	return it, nil
}

// ItemByTitle returns the first item with an exact title match. Duplicate
// titles are possible across sources; first match wins, which is a documented
// limitation of title-keyed lookup.
func (s *Store) ItemByTitle(ctx context.Context, title string) (catalog.Item, error) {
	const q = `SELECT * FROM anime WHERE title = ? ORDER BY id LIMIT 1;`
	var it catalog.Item
	err := s.db.GetContext(ctx, &it, q, title)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Item{}, ErrNotFound
	}
	if err != nil {
		return catalog.Item{}, fmt.Errorf("fetch item by title: %w", err)
	}
	return it, nil
}

// ItemByID fetches one item by its internal id.
func (s *Store) ItemByID(ctx context.Context, id int64) (catalog.Item, error) {
	const q = `SELECT * FROM anime WHERE id = ?;`
	var it catalog.Item
	err := s.db.GetContext(ctx, &it, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Item{}, ErrNotFound
	}
	if err != nil {
		return catalog.Item{}, fmt.Errorf("fetch item by id: %w", err)
	}
	return it, nil
}

// Upsert merges one fetched record into the catalog.
//
// Creates when nothing matches by (source, source_id) or by title. Otherwise
// it applies only the mutable fields whose incoming value is present and
// differs, bumping updated_at exactly once. Missing incoming fields never
// overwrite stored values.
//
// Returns the prior row state (nil on create) and the row after the call, so
// the caller can diff them. Concurrent writers on the same row are resolved
// by a compare-and-set on updated_at: a lost race re-reads and retries.
func (s *Store) Upsert(ctx context.Context, rec catalog.Record) (*catalog.Item, catalog.Item, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		existing, err := s.match(ctx, rec)
		if errors.Is(err, ErrNotFound) {
			cur, err := s.insert(ctx, rec)
			if isUniqueViolation(err) {
				// Lost a create race; re-read and update instead.
				lastErr = err
				continue
			}
			if err != nil {
				return nil, catalog.Item{}, err
			}
			return nil, cur, nil
		}
		if err != nil {
			return nil, catalog.Item{}, err
		}

		sets := changedColumns(existing, rec)
		if len(sets) == 0 {
			cur := existing
			return &existing, cur, nil
		}
		sets["updated_at"] = s.now()

		query, args, err := sq.Update("anime").
			SetMap(sets).
			Where(sq.Eq{"id": existing.ID, "updated_at": existing.UpdatedAt}).
			ToSql()
		if err != nil {
			return nil, catalog.Item{}, fmt.Errorf("build update: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, catalog.Item{}, fmt.Errorf("update item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, catalog.Item{}, err
		}
		if n == 0 {
			// Another writer changed the row since our read.
			s.log.Debug("upsert lost compare-and-set; retrying",
				logx.String("source", string(rec.Source)), logx.String("title", rec.Title))
			lastErr = errors.New("concurrent update")
			continue
		}

		cur, err := s.ItemByID(ctx, existing.ID)
		if err != nil {
			return nil, catalog.Item{}, err
		}
		return &existing, cur, nil
	}
	return nil, catalog.Item{}, fmt.Errorf("upsert contention for %q: %w", rec.Title, lastErr)
}

// ListBySourceStatus pages through items of one source and status in insertion
// order, so page boundaries stay stable across calls within one polling cycle.
func (s *Store) ListBySourceStatus(ctx context.Context, source catalog.Source, status string, limit, offset int) ([]catalog.Item, error) {
	const q = `SELECT * FROM anime WHERE source = ? AND status = ? ORDER BY id LIMIT ? OFFSET ?;`
	items := []catalog.Item{}
	if err := s.db.SelectContext(ctx, &items, q, source, status, limit, offset); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *Store) CountBySourceStatus(ctx context.Context, source catalog.Source, status string) (int, error) {
	const q = `SELECT COUNT(*) FROM anime WHERE source = ? AND status = ?;`
	var count int
	if err := s.db.GetContext(ctx, &count, q, source, status); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}

// SetMirrorURL attaches a resolved mirror link. Enrichment metadata, not an
// observable catalog change: updated_at is left alone.
func (s *Store) SetMirrorURL(ctx context.Context, id int64, url string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE anime SET mirror_url = ? WHERE id = ?`, url, id); err != nil {
		return fmt.Errorf("set mirror url: %w", err)
	}
	return nil
}

func (s *Store) match(ctx context.Context, rec catalog.Record) (catalog.Item, error) {
	if rec.SourceID != "" {
		it, err := s.ItemBySourceID(ctx, rec.Source, rec.SourceID)
		if err == nil {
			return it, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return catalog.Item{}, err
		}
	}
	return s.ItemByTitle(ctx, rec.Title)
}

func (s *Store) insert(ctx context.Context, rec catalog.Record) (catalog.Item, error) {
	now := s.now()
	status := catalog.StatusOngoing
	if rec.Status != nil && *rec.Status != "" {
		status = *rec.Status
	}
	var sourceID any
	if rec.SourceID != "" {
		sourceID = rec.SourceID
	}

	query, args, err := sq.Insert("anime").
		Columns("title", "english_title", "japanese_title", "synonyms",
			"source", "source_id", "url", "mirror_url", "kind", "status",
			"episodes", "episodes_aired", "score", "aired_on", "released_on",
			"image_url", "genres", "duration", "description",
			"created_at", "updated_at").
		Values(rec.Title, rec.EnglishTitle, rec.JapaneseTitle, rec.Synonyms,
			rec.Source, sourceID, rec.URL, rec.MirrorURL, rec.Kind, status,
			rec.Episodes, rec.EpisodesAired, rec.Score, rec.AiredOn, rec.ReleasedOn,
			rec.ImageURL, rec.Genres, rec.Duration, rec.Description,
			now, now).
		ToSql()
	if err != nil {
		return catalog.Item{}, fmt.Errorf("build insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return catalog.Item{}, err
	}
	return s.ItemByID(ctx, id)
}

// changedColumns collects the mutable columns whose incoming value is present
// and differs from the stored one. Progress, status and title only; the
// descriptive fields are written once at create time.
func changedColumns(existing catalog.Item, rec catalog.Record) map[string]any {
	sets := map[string]any{}
	if rec.Title != "" && rec.Title != existing.Title {
		sets["title"] = rec.Title
	}
	if rec.EpisodesAired != nil && !intEq(rec.EpisodesAired, existing.EpisodesAired) {
		sets["episodes_aired"] = *rec.EpisodesAired
	}
	if rec.Episodes != nil && !intEq(rec.Episodes, existing.Episodes) {
		sets["episodes"] = *rec.Episodes
	}
	if rec.Status != nil && *rec.Status != "" && *rec.Status != existing.Status {
		sets["status"] = *rec.Status
	}
	return sets
}

func intEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func isUniqueViolation(err error) bool {
	sqliteErr := &sqlite.Error{}
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqliteUniqueViolation
}
