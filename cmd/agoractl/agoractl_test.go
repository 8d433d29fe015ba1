package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"agora/api/internal/app"
)

func TestParseSeed(t *testing.T) {
	inputs, err := parseSeed(strings.NewReader(`
language: en
proposals:
  - title: Fund documentation
    content: Pay two writers for a quarter
    budget: 12000
    tags: [docs, grants]
  - title: Lower quorum
    description: Quorum drops to 4%
    created_by: alice
`))
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, app.CreateInput{
		Title:    "Fund documentation",
		Content:  "Pay two writers for a quarter",
		Budget:   12000,
		Tags:     []string{"docs", "grants"},
		Language: "en",
	}, inputs[0])
	assert.Equal(t, "Quorum drops to 4%", inputs[1].Description)
	assert.Equal(t, "alice", inputs[1].CreatedBy)
}

func TestParseSeedRejectsUnknownFields(t *testing.T) {
	_, err := parseSeed(strings.NewReader("proposals:\n  - title: x\n    votes: 10\n"))
	assert.ErrorContains(t, err, "parse seed file")

	_, err = parseSeed(strings.NewReader(""))
	assert.ErrorContains(t, err, "empty")
}

func TestHashSecretCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader("s3cret\n"))
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"hash-secret"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestPrintReadiness(t *testing.T) {
	var out bytes.Buffer
	printReadiness(&out, app.Readiness{Ready: false, Checks: map[string]app.Check{
		"records": {Status: "error", Error: "disk gone"},
		"ai":      {Status: "unconfigured"},
	}})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ai")
	assert.Contains(t, lines[1], "disk gone")
}
