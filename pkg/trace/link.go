// Package trace maintains the append-only, hash-chained registry binding
// artifacts across domains: decision → execution → settlement → ledger.
//
// Every link is chained to its predecessor by hash; the registry owns the
// current head hash and exposes no way to mutate or delete a stored link.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attestix/ledgercore/pkg/canonicalize"
)

// GenesisHash anchors the chain before any link exists.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrInvariant reports a link that would violate a cross-domain trace
// invariant. The registry rejects the link and its state is unchanged.
var ErrInvariant = errors.New("trace invariant violation")

// ErrCycle reports that a chain walk revisited a link, meaning the stored
// links reference each other in a loop. The walk stops instead of spinning.
var ErrCycle = errors.New("trace chain cycle")

// Domain is a phase in the artifact lifecycle.
type Domain string

const (
	DomainDecision   Domain = "DECISION"
	DomainExecution  Domain = "EXECUTION"
	DomainSettlement Domain = "SETTLEMENT"
	DomainLedger     Domain = "LEDGER"
	// DomainUnknown marks a gap whose phase could not be established.
	DomainUnknown Domain = "UNKNOWN"
)

// LinkType categorizes the relationship a link records.
type LinkType string

const (
	LinkDecisionToExecution   LinkType = "DECISION_TO_EXECUTION"
	LinkExecutionToSettlement LinkType = "EXECUTION_TO_SETTLEMENT"
	LinkSettlementToLedger    LinkType = "SETTLEMENT_TO_LEDGER"
	LinkDirectReference       LinkType = "DIRECT_REFERENCE"
)

// Link is one hash-chained edge between two domain artifacts.
type Link struct {
	LinkID      string    `json:"link_id"`
	Sequence    int64     `json:"sequence"`
	FromDomain  Domain    `json:"from_domain"`
	FromRef     string    `json:"from_ref"`
	ToDomain    Domain    `json:"to_domain"`
	ToRef       string    `json:"to_ref"`
	LinkType    LinkType  `json:"link_type"`
	DecisionRef string    `json:"decision_ref,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	PrevHash    string    `json:"prev_hash"`
	LinkHash    string    `json:"link_hash"`
}

// ComputeHash returns the deterministic hash of the link's fields chained to
// prevHash: sha256(canonicalize(fields) ++ prevHash). PrevHash and LinkHash
// are excluded from the canonicalized fields; the chain position enters the
// digest only through the appended prevHash.
func (l Link) ComputeHash(prevHash string) (string, error) {
	fields := map[string]any{
		"link_id":      l.LinkID,
		"sequence":     l.Sequence,
		"from_domain":  string(l.FromDomain),
		"from_ref":     l.FromRef,
		"to_domain":    string(l.ToDomain),
		"to_ref":       l.ToRef,
		"link_type":    string(l.LinkType),
		"decision_ref": l.DecisionRef,
		"timestamp":    l.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	canonical, err := canonicalize.Canonicalize(fields)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(append(canonical, []byte(prevHash)...)), nil
}

// Encode returns the canonical single-line JSON form used in exported link
// slices.
func (l Link) Encode() ([]byte, error) {
	doc := map[string]any{
		"link_id":     l.LinkID,
		"sequence":    l.Sequence,
		"from_domain": string(l.FromDomain),
		"from_ref":    l.FromRef,
		"to_domain":   string(l.ToDomain),
		"to_ref":      l.ToRef,
		"link_type":   string(l.LinkType),
		"timestamp":   l.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":   l.PrevHash,
		"link_hash":   l.LinkHash,
	}
	if l.DecisionRef != "" {
		doc["decision_ref"] = l.DecisionRef
	}
	return canonicalize.Canonicalize(doc)
}

// DecodeLink parses one exported link line.
func DecodeLink(line []byte) (Link, error) {
	var l Link
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(line)))
	if err := dec.Decode(&l); err != nil {
		return Link{}, fmt.Errorf("%w: malformed link line: %v", canonicalize.ErrInvalidRecord, err)
	}
	if l.LinkID == "" || l.LinkHash == "" {
		return Link{}, fmt.Errorf("%w: link line missing identity fields", canonicalize.ErrInvalidRecord)
	}
	l.Timestamp = l.Timestamp.UTC()
	return l, nil
}

// Gap marks an expected-but-absent hop in a chain walk. Gaps are always
// explicit; an unknown entity is never reported as an empty chain.
type Gap struct {
	Domain      Domain `json:"domain"`
	ExpectedRef string `json:"expected_ref"`
}

// Chain is the ordered reachable link sequence for an entity, with every
// missing hop surfaced as a Gap.
type Chain struct {
	EntityRef string   `json:"entity_ref"`
	Refs      []string `json:"refs"`
	Links     []Link   `json:"links"`
	Gaps      []Gap    `json:"gaps,omitempty"`
}

// Complete reports whether the walk reached a decision-domain origin with no
// missing hops.
func (c Chain) Complete() bool {
	return len(c.Gaps) == 0 && len(c.Links) > 0
}

// VerifyResult is the outcome of a full-chain hash verification.
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	BrokenIndex int64  `json:"broken_index"` // -1 when valid
	Reason      string `json:"reason,omitempty"`
}

// VerifyLinks recomputes every link hash from stored fields and the prior
// stored link hash, returning the first mismatching index. It operates on a
// slice so exported chains can be verified without the live registry; the
// first link's PrevHash is taken as the slice's anchor.
func VerifyLinks(links []Link) VerifyResult {
	for i, l := range links {
		if i > 0 && l.PrevHash != links[i-1].LinkHash {
			return VerifyResult{
				Valid:       false,
				Checked:     i,
				BrokenIndex: int64(i),
				Reason: fmt.Sprintf("chain broken at index %d: prev_hash %s does not match predecessor link_hash %s",
					i, l.PrevHash, links[i-1].LinkHash),
			}
		}
		computed, err := l.ComputeHash(l.PrevHash)
		if err != nil {
			return VerifyResult{
				Valid:       false,
				Checked:     i,
				BrokenIndex: int64(i),
				Reason:      fmt.Sprintf("index %d: %v", i, err),
			}
		}
		if computed != l.LinkHash {
			return VerifyResult{
				Valid:       false,
				Checked:     i,
				BrokenIndex: int64(i),
				Reason:      fmt.Sprintf("index %d: stored link_hash %s, recomputed %s", i, l.LinkHash, computed),
			}
		}
	}
	return VerifyResult{Valid: true, Checked: len(links), BrokenIndex: -1}
}
