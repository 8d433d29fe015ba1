package vectorindex

import (
	"encoding/json"
	"math"
	"strconv"
)

// Entity is the subset of a proposal mirrored into the vector index.
type Entity struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Category string    `json:"category"`
	Risk     string    `json:"risk"`
	Status   string    `json:"status"`
	Votes    int64     `json:"votes"`
	Vector   []float32 `json:"vector,omitempty"`
}

// Patch lists the fields an update may change. Nil fields are left as they are.
type Patch struct {
	Title    *string
	Content  *string
	Category *string
	Risk     *string
	Status   *string
	Votes    *int64
	// Vector replaces the stored vector only when non-nil.
	Vector []float32
}

func (p Patch) apply(e Entity) Entity {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Content != nil {
		e.Content = *p.Content
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.Risk != nil {
		e.Risk = *p.Risk
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Votes != nil {
		e.Votes = *p.Votes
	}
	if p.Vector != nil {
		e.Vector = append([]float32(nil), p.Vector...)
	}
	return e
}

// OutputFields are the scalar fields requested from searches and lookups.
var OutputFields = []string{"id", "title", "content", "category", "risk", "status", "votes"}

// entityFromMap tolerates ids and counters encoded as either numbers or strings.
func entityFromMap(m map[string]any) Entity {
	return Entity{
		ID:       asString(m["id"]),
		Title:    asString(m["title"]),
		Content:  asString(m["content"]),
		Category: asString(m["category"]),
		Risk:     asString(m["risk"]),
		Status:   asString(m["status"]),
		Votes:    asInt64(m["votes"]),
		Vector:   asVector(m["vector"]),
	}
}

func asString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case float64:
		if value == math.Trunc(value) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	return ""
}

func asInt64(v any) int64 {
	switch value := v.(type) {
	case float64:
		return int64(value)
	case json.Number:
		n, err := value.Int64()
		if err != nil {
			f, _ := value.Float64()
			return int64(f)
		}
		return n
	case string:
		n, _ := strconv.ParseInt(value, 10, 64)
		return n
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(value, 64)
		return f, err == nil
	}
	return 0, false
}

func asVector(v any) []float32 {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	out := make([]float32, 0, len(items))
	for _, item := range items {
		f, ok := asFloat(item)
		if !ok {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}
