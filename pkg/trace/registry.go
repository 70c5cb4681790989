package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Registry is the append-only trace link store. The head hash is owned by
// the registry instance, mutated only inside RegisterLink under the writer
// lock; there is no external setter. The backing schema has no UPDATE or
// DELETE path.
type Registry struct {
	mu       sync.Mutex
	db       *sql.DB
	headHash string
	sequence int64
	clock    func() time.Time
}

// Open prepares the schema on an existing database handle and restores the
// chain head from the highest stored sequence.
func Open(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db, headHash: GenesisHash, clock: time.Now}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	if err := r.restoreHead(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenPath opens (or creates) a sqlite-backed registry at path. Use
// ":memory:" for tests.
func OpenPath(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	// Chained hashing requires a strict single writer.
	db.SetMaxOpenConns(1)
	return Open(db)
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS trace_links (
		sequence     INTEGER PRIMARY KEY,
		link_id      TEXT NOT NULL UNIQUE,
		from_domain  TEXT NOT NULL,
		from_ref     TEXT NOT NULL,
		to_domain    TEXT NOT NULL,
		to_ref       TEXT NOT NULL,
		link_type    TEXT NOT NULL,
		decision_ref TEXT NOT NULL DEFAULT '',
		timestamp    TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		link_hash    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trace_links_to_ref ON trace_links (to_ref);
	CREATE INDEX IF NOT EXISTS idx_trace_links_from_ref ON trace_links (from_ref);`
	_, err := r.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate trace store: %w", err)
	}
	return nil
}

func (r *Registry) restoreHead() error {
	row := r.db.QueryRowContext(context.Background(),
		`SELECT sequence, link_hash FROM trace_links ORDER BY sequence DESC LIMIT 1`)
	var seq int64
	var head string
	switch err := row.Scan(&seq, &head); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("restore chain head: %w", err)
	default:
		r.sequence = seq
		r.headHash = head
		return nil
	}
}

// Head returns the current chain head hash.
func (r *Registry) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headHash
}

// Len returns the number of stored links.
func (r *Registry) Len(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_links`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trace links: %w", err)
	}
	return n, nil
}

// RegisterOption refines a link registration.
type RegisterOption func(*Link)

// WithDecisionRef records the originating decision reference explicitly.
// Execution-domain links that cannot inherit one from an existing link must
// supply it.
func WithDecisionRef(ref string) RegisterOption {
	return func(l *Link) { l.DecisionRef = ref }
}

// RegisterLink appends a new hash-chained link and advances the head hash.
//
// Invariants enforced (violations raise ErrInvariant, registry unchanged):
//   - a settlement-domain target has exactly one decision-domain origin;
//   - an execution-domain link must carry its originating decision
//     reference, either explicitly, as the decision-domain from_ref, or
//     inherited from the link that established the execution artifact.
func (r *Registry) RegisterLink(ctx context.Context, fromDomain Domain, fromRef string, toDomain Domain, toRef string, linkType LinkType, opts ...RegisterOption) (Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link := Link{
		LinkID:     "link-" + uuid.New().String(),
		FromDomain: fromDomain,
		FromRef:    fromRef,
		ToDomain:   toDomain,
		ToRef:      toRef,
		LinkType:   linkType,
		Timestamp:  r.clock().UTC(),
	}
	for _, opt := range opts {
		opt(&link)
	}

	if err := r.resolveDecisionRef(ctx, &link); err != nil {
		return Link{}, err
	}
	if err := r.enforceSettlementFanIn(ctx, link); err != nil {
		return Link{}, err
	}

	link.Sequence = r.sequence + 1
	link.PrevHash = r.headHash
	hash, err := link.ComputeHash(link.PrevHash)
	if err != nil {
		return Link{}, err
	}
	link.LinkHash = hash

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trace_links (
			sequence, link_id, from_domain, from_ref, to_domain, to_ref,
			link_type, decision_ref, timestamp, prev_hash, link_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.Sequence, link.LinkID, string(link.FromDomain), link.FromRef,
		string(link.ToDomain), link.ToRef, string(link.LinkType),
		link.DecisionRef, link.Timestamp.Format(time.RFC3339Nano),
		link.PrevHash, link.LinkHash,
	)
	if err != nil {
		return Link{}, fmt.Errorf("insert trace link: %w", err)
	}

	r.sequence = link.Sequence
	r.headHash = link.LinkHash
	return link, nil
}

// resolveDecisionRef fills the decision reference for execution-involved
// links, inheriting it through the chain when possible.
func (r *Registry) resolveDecisionRef(ctx context.Context, link *Link) error {
	if link.DecisionRef != "" {
		return nil
	}
	if link.FromDomain == DomainDecision {
		link.DecisionRef = link.FromRef
		return nil
	}

	touchesExecution := link.FromDomain == DomainExecution || link.ToDomain == DomainExecution
	needsRef := touchesExecution || link.ToDomain == DomainSettlement
	if !needsRef {
		return nil
	}

	// Inherit from the link that established the from-artifact.
	inherited, err := r.lookupDecisionRef(ctx, link.FromDomain, link.FromRef)
	if err != nil {
		return err
	}
	if inherited == "" {
		return fmt.Errorf("%w: %s link %s:%s -> %s:%s has no originating decision reference",
			ErrInvariant, link.LinkType, link.FromDomain, link.FromRef, link.ToDomain, link.ToRef)
	}
	link.DecisionRef = inherited
	return nil
}

func (r *Registry) lookupDecisionRef(ctx context.Context, domain Domain, ref string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT decision_ref FROM trace_links
		WHERE to_domain = ? AND to_ref = ? AND decision_ref != ''
		ORDER BY sequence ASC LIMIT 1`, string(domain), ref)
	var dr string
	switch err := row.Scan(&dr); {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("lookup decision ref: %w", err)
	default:
		return dr, nil
	}
}

// enforceSettlementFanIn rejects a second, different decision origin for a
// settlement artifact.
func (r *Registry) enforceSettlementFanIn(ctx context.Context, link Link) error {
	if link.ToDomain != DomainSettlement {
		return nil
	}
	if link.DecisionRef == "" {
		return fmt.Errorf("%w: settlement %s must trace to a decision origin", ErrInvariant, link.ToRef)
	}
	existing, err := r.lookupDecisionRef(ctx, DomainSettlement, link.ToRef)
	if err != nil {
		return err
	}
	if existing != "" && existing != link.DecisionRef {
		return fmt.Errorf("%w: settlement %s already traces to decision %s, cannot also trace to %s",
			ErrInvariant, link.ToRef, existing, link.DecisionRef)
	}
	return nil
}

// GetChain walks the reachable link sequence for an entity reference,
// backward to its decision origin and forward to its latest consequence.
// Missing hops are explicit Gap records, never inferred from empty results.
func (r *Registry) GetChain(ctx context.Context, entityRef string) (Chain, error) {
	chain := Chain{EntityRef: entityRef}

	anchor, err := r.linkTouching(ctx, entityRef)
	if err != nil {
		return chain, err
	}
	if anchor == nil {
		chain.Gaps = append(chain.Gaps, Gap{Domain: DomainUnknown, ExpectedRef: entityRef})
		return chain, nil
	}

	// A revisited link means the stored links loop; both walks stop on it
	// rather than growing the chain forever.
	visited := map[string]bool{anchor.LinkID: true}

	// Walk backward from the anchor to the decision origin.
	ordered := []Link{*anchor}
	cursor := *anchor
	for cursor.FromDomain != DomainDecision {
		prev, err := r.linkTargeting(ctx, cursor.FromDomain, cursor.FromRef)
		if err != nil {
			return chain, err
		}
		if prev == nil {
			chain.Gaps = append(chain.Gaps, Gap{Domain: cursor.FromDomain, ExpectedRef: cursor.FromRef})
			break
		}
		if visited[prev.LinkID] {
			return chain, fmt.Errorf("%w: link %s revisited walking back from %s",
				ErrCycle, prev.LinkID, entityRef)
		}
		visited[prev.LinkID] = true
		ordered = append([]Link{*prev}, ordered...)
		cursor = *prev
	}

	// Walk forward from the anchor while successors exist.
	cursor = *anchor
	for {
		next, err := r.linkFrom(ctx, cursor.ToDomain, cursor.ToRef)
		if err != nil {
			return chain, err
		}
		if next == nil {
			break
		}
		if visited[next.LinkID] {
			return chain, fmt.Errorf("%w: link %s revisited walking forward from %s",
				ErrCycle, next.LinkID, entityRef)
		}
		visited[next.LinkID] = true
		ordered = append(ordered, *next)
		cursor = *next
	}

	chain.Links = ordered
	chain.Refs = refsOf(ordered)
	return chain, nil
}

func refsOf(links []Link) []string {
	var refs []string
	seen := make(map[string]bool)
	appendRef := func(ref string) {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, l := range links {
		appendRef(l.FromRef)
		appendRef(l.ToRef)
	}
	return refs
}

func (r *Registry) linkTouching(ctx context.Context, ref string) (*Link, error) {
	return r.queryOne(ctx, `
		SELECT `+linkColumns+` FROM trace_links
		WHERE to_ref = ? OR from_ref = ?
		ORDER BY sequence ASC LIMIT 1`, ref, ref)
}

func (r *Registry) linkTargeting(ctx context.Context, domain Domain, ref string) (*Link, error) {
	return r.queryOne(ctx, `
		SELECT `+linkColumns+` FROM trace_links
		WHERE to_domain = ? AND to_ref = ?
		ORDER BY sequence ASC LIMIT 1`, string(domain), ref)
}

func (r *Registry) linkFrom(ctx context.Context, domain Domain, ref string) (*Link, error) {
	return r.queryOne(ctx, `
		SELECT `+linkColumns+` FROM trace_links
		WHERE from_domain = ? AND from_ref = ?
		ORDER BY sequence ASC LIMIT 1`, string(domain), ref)
}

const linkColumns = `sequence, link_id, from_domain, from_ref, to_domain, to_ref,
	link_type, decision_ref, timestamp, prev_hash, link_hash`

func (r *Registry) queryOne(ctx context.Context, query string, args ...any) (*Link, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*Link, error) {
	var l Link
	var fromDomain, toDomain, linkType, ts string
	err := row.Scan(&l.Sequence, &l.LinkID, &fromDomain, &l.FromRef, &toDomain,
		&l.ToRef, &linkType, &l.DecisionRef, &ts, &l.PrevHash, &l.LinkHash)
	if err != nil {
		return nil, err
	}
	l.FromDomain = Domain(fromDomain)
	l.ToDomain = Domain(toDomain)
	l.LinkType = LinkType(linkType)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse stored link timestamp: %w", err)
	}
	l.Timestamp = parsed.UTC()
	return &l, nil
}

// All returns every stored link in sequence order.
func (r *Registry) All(ctx context.Context) ([]Link, error) {
	return r.queryMany(ctx, `SELECT `+linkColumns+` FROM trace_links ORDER BY sequence ASC`)
}

// ExportRange returns links whose timestamp falls in [start, end), in
// sequence order. Zero bounds are open.
func (r *Registry) ExportRange(ctx context.Context, start, end time.Time) ([]Link, error) {
	links, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Link
	for _, l := range links {
		if !start.IsZero() && l.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && !l.Timestamp.Before(end) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *Registry) queryMany(ctx context.Context, query string, args ...any) ([]Link, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trace links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace links: %w", err)
	}
	return links, nil
}

// VerifyChain recomputes every stored link hash against its stored fields
// and predecessor, returning the first mismatching index or a valid result.
func (r *Registry) VerifyChain(ctx context.Context) (VerifyResult, error) {
	links, err := r.All(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(links) > 0 && links[0].PrevHash != GenesisHash {
		return VerifyResult{
			Valid:       false,
			BrokenIndex: 0,
			Reason:      "first link is not anchored to the genesis hash",
		}, nil
	}
	return VerifyLinks(links), nil
}

// Close closes the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}
