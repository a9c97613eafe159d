package ledger

import (
	"errors"
	"strings"
	"time"
)

// Revocation reasons recorded by the engine.
const (
	ReasonReplayDetected = "replay_detected"
	ReasonLogout         = "logout"
	ReasonLogoutAll      = "logout_all"
)

// Record is one issued refresh token.
type Record struct {
	TokenID       string
	FamilyID      string
	PrincipalID   string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RotatedFromID string
	SupersededBy  string
	Revoked       bool
	RevokedAt     time.Time
	RevokedReason string
}

// IsHead reports whether r is the redeemable head of its family.
func (r *Record) IsHead() bool {
	return r != nil && !r.Revoked && r.SupersededBy == ""
}

// Family is the chain of records descending from one login.
type Family struct {
	FamilyID      string
	PrincipalID   string
	HeadID        string
	CreatedAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
	RevokedReason string
}

func (r Record) validate() error {
	if strings.TrimSpace(r.TokenID) == "" || strings.TrimSpace(r.FamilyID) == "" || strings.TrimSpace(r.PrincipalID) == "" {
		return errors.New("record requires token, family and principal ids")
	}
	if !r.ExpiresAt.After(r.IssuedAt) {
		return errors.New("record expiry must be after issue time")
	}
	if r.SupersededBy != "" || r.Revoked {
		return errors.New("new record must be an unrevoked head")
	}
	return nil
}

// OrderChain sorts records of one family from the login record to the head by
// following rotation links. Records not reachable from a root are appended in input order.
func OrderChain(records []Record) []Record {
	byID := make(map[string]Record, len(records))
	var root *Record
	for i := range records {
		byID[records[i].TokenID] = records[i]
		if records[i].RotatedFromID == "" && root == nil {
			root = &records[i]
		}
	}

	out := make([]Record, 0, len(records))
	visited := make(map[string]struct{}, len(records))
	if root != nil {
		cur, ok := *root, true
		for ok {
			if _, seen := visited[cur.TokenID]; seen {
				break
			}
			visited[cur.TokenID] = struct{}{}
			out = append(out, cur)
			if cur.SupersededBy == "" {
				break
			}
			cur, ok = byID[cur.SupersededBy]
		}
	}
	for _, r := range records {
		if _, seen := visited[r.TokenID]; !seen {
			out = append(out, r)
		}
	}
	return out
}
