package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sandboxUnit = `{"id":"sbx-1","space":"payments","tier":"sandbox","ttl":"72h",
	"document":{"lambdaMemory":128,"region":"us-east-1","resourcePrefix":"app"}}`

const productionUnit = `{"id":"prod-1","space":"payments","tier":"production",
	"document":{"lambdaMemory":128,"region":"us-east-1","resourcePrefix":"app"}}`

func tune(unit string) string {
	return `{"unit_id":"` + unit + `","space":"payments",
		"patch":{"ops":[{"op":"replace","path":"/lambdaMemory","value":256}]},
		"proposer":{"id":"agent:copilot","kind":"agent"}}`
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Governor "+Version)
	assert.Contains(t, out, "Go Version:")
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "classify", "evaluate", "audit", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestClassify(t *testing.T) {
	t.Setenv("GOVERNOR_POLICY_FILE", "")
	dir := t.TempDir()

	cases := []struct {
		name    string
		unit    string
		request string
		risk    contracts.RiskClass
		route   contracts.State
	}{
		{"sandbox tuning", sandboxUnit, tune("sbx-1"), contracts.RiskLow, contracts.StateQueued},
		{"production tuning", productionUnit, tune("prod-1"), contracts.RiskMedium, contracts.StateAcknowledging},
		{
			"deletion", sandboxUnit,
			`{"unit_id":"sbx-1","space":"payments","operation":"delete","proposer":{"id":"agent:copilot","kind":"agent"}}`,
			contracts.RiskHigh, contracts.StateApproving,
		},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			unit := writeFile(t, dir, "unit"+string(rune('a'+i))+".json", tc.unit)
			req := writeFile(t, dir, "req"+string(rune('a'+i))+".json", tc.request)

			out, err := run(t, "classify", "--request", req, "--unit", unit)
			require.NoError(t, err)
			var got classification
			require.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.Equal(t, tc.risk, got.Risk)
			assert.Equal(t, tc.route, got.Route)
			assert.NotEmpty(t, got.Rationale)
		})
	}
}

func TestClassify_PolicyOverridesTable(t *testing.T) {
	dir := t.TempDir()
	policy := writeFile(t, dir, "policy.yaml", `version: 1.0.0
risk:
  fields:
    lambdaMemory: {risk: high, concern: capacity}
`)
	unit := writeFile(t, dir, "unit.json", sandboxUnit)
	req := writeFile(t, dir, "req.json", tune("sbx-1"))

	out, err := run(t, "classify", "-r", req, "-u", unit, "--policy", policy)
	require.NoError(t, err)
	var got classification
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, contracts.RiskHigh, got.Risk)
}

func TestClassify_RequiresFlags(t *testing.T) {
	_, err := run(t, "classify")
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	t.Setenv("GOVERNOR_POLICY_FILE", "")
	dir := t.TempDir()
	unit := writeFile(t, dir, "unit.json", sandboxUnit)

	clean := writeFile(t, dir, "clean.json", tune("sbx-1"))
	out, err := run(t, "evaluate", "-r", clean, "-u", unit)
	require.NoError(t, err)
	var res contracts.PolicyResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Passed)
	assert.Equal(t, invariants.BuiltinVersion, res.RuleSetVersion)

	wildcard := writeFile(t, dir, "wildcard.json", `{"unit_id":"sbx-1","space":"payments",
		"patch":{"ops":[{"op":"add","path":"/permissions","value":[{"Effect":"Allow","Action":"*","Resource":"*"}]}]},
		"proposer":{"id":"agent:copilot","kind":"agent"}}`)
	out, err = run(t, "evaluate", "-r", wildcard, "-u", unit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invariant violation")
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Passed)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, invariants.RuleWildcardPermission, res.Violations[0].RuleID)
}

func TestEvaluate_RejectsMalformedRequest(t *testing.T) {
	dir := t.TempDir()
	unit := writeFile(t, dir, "unit.json", sandboxUnit)
	req := writeFile(t, dir, "req.json", `{"space":"payments","proposer":{"id":"x","kind":"agent"}}`)

	_, err := run(t, "evaluate", "-r", req, "-u", unit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change request")
}

func seedAudit(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "governor.db")
	t.Setenv("GOVERNOR_SQLITE_PATH", path)
	t.Setenv("DATABASE_URL", "")

	ctx := context.Background()
	db, _, err := store.Open("", path)
	require.NoError(t, err)
	defer db.Close()
	s := store.NewSQL(db)
	require.NoError(t, s.Init(ctx))
	for _, unit := range []string{"sbx-1", "sbx-2", "sbx-1"} {
		_, err := s.Audit.Append(ctx, contracts.AuditEvent{
			Action: contracts.AuditUnitRegistered,
			UnitID: unit,
			Actor:  contracts.Automation("registry"),
		})
		require.NoError(t, err)
	}
	return path
}

func TestAuditVerifyAndExport(t *testing.T) {
	seedAudit(t)

	out, err := run(t, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "chain intact")

	exportPath := filepath.Join(t.TempDir(), "export.jsonl")
	_, err = run(t, "audit", "export", "--out", exportPath)
	require.NoError(t, err)

	out, err = run(t, "audit", "verify", "--file", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "3 events")

	out, err = run(t, "audit", "export", "--unit", "sbx-1")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	_, err = run(t, "audit", "export", "--since", "last tuesday")
	assert.Error(t, err)
}

func TestAuditVerify_DetectsTamperedExport(t *testing.T) {
	seedAudit(t)
	exportPath := filepath.Join(t.TempDir(), "export.jsonl")
	_, err := run(t, "audit", "export", "-o", exportPath)
	require.NoError(t, err)

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"sbx-2"`, `"sbx-9"`, 1)
	require.NoError(t, os.WriteFile(exportPath, []byte(tampered), 0o600))

	_, err = run(t, "audit", "verify", "--file", exportPath)
	assert.ErrorIs(t, err, store.ErrChainBroken)
}

func TestAuditExport_ShipWithoutSink(t *testing.T) {
	seedAudit(t)
	t.Setenv("GOVERNOR_AUDIT_SINK", "")
	_, err := run(t, "audit", "export", "--ship")
	assert.Error(t, err)
}

func TestAuditExport_ShipToDirectory(t *testing.T) {
	seedAudit(t)
	dir := t.TempDir()
	t.Setenv("GOVERNOR_AUDIT_SINK", "fs")
	t.Setenv("GOVERNOR_AUDIT_DIR", dir)

	_, err := run(t, "audit", "export", "--ship")
	require.NoError(t, err)

	var names []string
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			names = append(names, filepath.Base(path))
		}
		return err
	}))
	assert.ElementsMatch(t, []string{"000000000001-000000000003.jsonl", "000000000001-000000000003.manifest.json"}, names)
}

func TestServeDryRun(t *testing.T) {
	t.Setenv("GOVERNOR_POLICY_FILE", "")
	out, err := run(t, "serve", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")

	t.Setenv("GOVERNOR_HIGH_RISK_APPROVERS", "0")
	_, err = run(t, "serve", "--dry-run")
	assert.Error(t, err)
}
