package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewProposalID returns p_<unix millis>_<random suffix>. The timestamp keeps
// ids roughly sortable; the suffix keeps same-millisecond creates unique.
func NewProposalID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "p_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}
