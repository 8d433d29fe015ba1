package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Proposal statuses.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusClosed   = "closed"
)

// ID is a proposal identifier. Legacy records carry numeric ids, so ID
// decodes from either a JSON number or a string, and all-digit ids are
// written back as numbers to keep the document shape stable.
type ID string

func (id ID) String() string { return string(id) }

func (id ID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if isDigits(s) && s == CanonicalID(s) && len(s) < 16 {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("proposal id: %w", err)
	}
	*id = ID(CanonicalID(n.String()))
	return nil
}

// Matches compares ids loosely: "1700000000000" matches 1700000000000 and 1.7e12.
func (id ID) Matches(other string) bool {
	return CanonicalID(string(id)) == CanonicalID(other)
}

// CanonicalID normalises numeric ids to their integer form and trims others.
func CanonicalID(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	if isDigits(s) {
		if trimmed := strings.TrimLeft(s, "0"); trimmed != "" {
			return trimmed
		}
		return "0"
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && f >= 0 && f < 1e18 && !strings.ContainsAny(s, "_xX") {
		return strconv.FormatInt(int64(f), 10)
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Vote is one entry in a proposal's voter history.
type Vote struct {
	Voter     string    `json:"voter,omitempty"`
	Delta     int64     `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// Proposal is the complete record held by the record store.
type Proposal struct {
	ID          ID        `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Budget      float64   `json:"budget"`
	Category    string    `json:"category"`
	Risk        string    `json:"risk"`
	Status      string    `json:"status"`
	Votes       int64     `json:"votes"`
	Voters      []Vote    `json:"voters,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Vector      []float32 `json:"vector,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Body is the proposal text used for embedding: content, or description when
// content is empty.
func (p Proposal) Body() string {
	if strings.TrimSpace(p.Content) != "" {
		return p.Content
	}
	return p.Description
}

// EmbeddingText is the text a proposal's vector is derived from.
func (p Proposal) EmbeddingText() string {
	return p.Title + "\n" + p.Body()
}

// HasVoter reports whether voter already appears in the history.
func (p Proposal) HasVoter(voter string) bool {
	if voter == "" {
		return false
	}
	for _, v := range p.Voters {
		if v.Voter == voter {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p Proposal) Clone() Proposal {
	out := p
	out.Voters = append([]Vote(nil), p.Voters...)
	out.Suggestions = append([]string(nil), p.Suggestions...)
	out.Tags = append([]string(nil), p.Tags...)
	out.Vector = append([]float32(nil), p.Vector...)
	return out
}
