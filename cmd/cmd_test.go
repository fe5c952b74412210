package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convlink/internal/backfill"
	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
	"github.com/nextlevelbuilder/convlink/internal/upgrade"
)

func TestBackfillSource(t *testing.T) {
	src, err := backfillSource("legacy.jsonl", "", "")
	require.NoError(t, err)
	assert.Equal(t, backfill.JSONLSource{Path: "legacy.jsonl"}, src)

	src, err = backfillSource("", "legacy.db", "chat_log")
	require.NoError(t, err)
	assert.Equal(t, backfill.SQLiteSource{Path: "legacy.db", Table: "chat_log"}, src)

	_, err = backfillSource("a", "b", "")
	assert.Error(t, err)
	_, err = backfillSource("", "", "")
	assert.Error(t, err)
}

func TestBuildCompleter(t *testing.T) {
	cfg := config.Default()
	_, err := buildCompleter(cfg)
	assert.ErrorContains(t, err, "CONVLINK_OPENAI_API_KEY")

	cfg.Providers.OpenAI.APIKey = "sk-test"
	c, err := buildCompleter(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, "gpt-4o-mini", c.DefaultModel())

	cfg.Providers.Default = "groq"
	cfg.Providers.Groq.APIKey = "gsk-test"
	cfg.Providers.Model = "llama-3.1-8b-instant"
	c, err = buildCompleter(cfg)
	require.NoError(t, err)
	assert.Equal(t, "groq", c.Name())
	assert.Equal(t, "llama-3.1-8b-instant", c.DefaultModel())

	cfg.Providers.Default = "anthropic"
	cfg.Providers.Anthropic.APIKey = "sk-ant"
	cfg.Providers.Model = ""
	c, err = buildCompleter(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())
	assert.NotEmpty(t, c.DefaultModel())

	cfg.Providers.Default = "nope"
	_, err = buildCompleter(cfg)
	assert.Error(t, err)
}

func TestApplyConfigReload(t *testing.T) {
	cfg := config.Default()
	next := config.Default()
	next.Sessions.ContinuityWindow = config.Duration(5 * time.Minute)

	resolver := sessions.NewResolver(nil, time.Hour)
	applyConfigReload(cfg, next, resolver)
	assert.Equal(t, next.Sessions.ContinuityWindow.Std(), cfg.ContinuityWindow())
	assert.Equal(t, cfg.ContinuityWindow(), resolver.ContinuityWindow())
}

func TestParseStatusArgs(t *testing.T) {
	id, status, err := parseStatusArgs("0192f0c4-8a5e-7c3b-9d2e-1f4a6b8c0d2e", "archived")
	require.NoError(t, err)
	assert.Equal(t, "0192f0c4-8a5e-7c3b-9d2e-1f4a6b8c0d2e", id.String())
	assert.Equal(t, store.ConversationArchived, status)

	_, _, err = parseStatusArgs("not-a-uuid", "archived")
	assert.Error(t, err)
	_, _, err = parseStatusArgs("0192f0c4-8a5e-7c3b-9d2e-1f4a6b8c0d2e", "closed")
	assert.Error(t, err)
}

type stubChecker struct {
	violations []store.Violation
	err        error
}

func (c stubChecker) CheckInvariants(context.Context) ([]store.Violation, error) {
	return c.violations, c.err
}

func TestVerifyInvariants(t *testing.T) {
	ctx := context.Background()
	want := []store.Violation{{Rule: "response-query-link", Entity: "response", ID: "r1"}}

	got, err := verifyInvariants(ctx, stubChecker{violations: want})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = verifyInvariants(ctx, stubChecker{err: errors.New("boom")})
	assert.ErrorContains(t, err, "check invariants: boom")
}

func TestViolationCounts(t *testing.T) {
	counts := violationCounts([]store.Violation{
		{Rule: "a", ID: "1"}, {Rule: "b", ID: "2"}, {Rule: "a", ID: "3"},
	})
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, counts)
}

func TestRenderViolations(t *testing.T) {
	var buf bytes.Buffer
	renderViolations(&buf, nil)
	assert.Contains(t, buf.String(), "Invariants:      OK")

	var vs []store.Violation
	for i := 0; i < maxListedViolations+3; i++ {
		vs = append(vs, store.Violation{Rule: "reaction-response-link", Entity: "reaction", ID: fmt.Sprint(i)})
	}
	buf.Reset()
	renderViolations(&buf, vs)
	out := buf.String()
	assert.Contains(t, out, fmt.Sprintf("%d violation(s)", len(vs)))
	assert.Contains(t, out, "reaction-response-link: reaction 0")
	assert.NotContains(t, out, fmt.Sprintf("reaction %d\n", maxListedViolations))
	assert.Contains(t, out, "... 3 more")
}

func TestPrintSchemaStatus(t *testing.T) {
	cases := []struct {
		s    upgrade.SchemaStatus
		want string
	}{
		{upgrade.SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Compatible: true}, "UP TO DATE"},
		{upgrade.SchemaStatus{CurrentVersion: 0, RequiredVersion: 1, NeedsMigration: true}, "UPGRADE NEEDED (0 -> 1)"},
		{upgrade.SchemaStatus{CurrentVersion: 2, RequiredVersion: 1}, "BINARY TOO OLD"},
		{upgrade.SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Dirty: true}, "DIRTY"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		printSchemaStatus(&buf, &tc.s)
		assert.Contains(t, buf.String(), tc.want)
	}
}
