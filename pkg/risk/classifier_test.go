package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

func unit(tier contracts.Tier) *contracts.UnitMetadata {
	return &contracts.UnitMetadata{ID: "msg-wall", Space: "team-a", Account: "111111111111", Tier: tier}
}

func request(op contracts.Operation) *contracts.ChangeRequest {
	return &contracts.ChangeRequest{UnitID: "msg-wall", Space: "team-a", Operation: op}
}

func TestClassifyScenarios(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name  string
		req   *contracts.ChangeRequest
		unit  *contracts.UnitMetadata
		paths []string
		want  contracts.RiskClass
		rules []string
	}{
		{
			name:  "memory change outside production is LOW",
			req:   request(contracts.OperationUpdate),
			unit:  unit(contracts.TierSandbox),
			paths: []string{"/spec/lambdaMemory"},
			want:  contracts.RiskLow,
			rules: []string{RuleFieldRisk},
		},
		{
			name:  "memory change in production is MEDIUM",
			req:   request(contracts.OperationUpdate),
			unit:  unit(contracts.TierProduction),
			paths: []string{"/spec/lambdaMemory"},
			want:  contracts.RiskMedium,
			rules: []string{RuleFieldRisk, RuleProduction},
		},
		{
			name:  "two concerns in production is HIGH",
			req:   request(contracts.OperationUpdate),
			unit:  unit(contracts.TierProduction),
			paths: []string{"/spec/region", "/spec/resourcePrefix"},
			want:  contracts.RiskHigh,
			rules: []string{RuleFieldRisk, RuleConcernSpan, RuleProduction},
		},
		{
			name:  "two concerns outside production is HIGH from MEDIUM base",
			req:   request(contracts.OperationUpdate),
			unit:  unit(contracts.TierStaging),
			paths: []string{"/spec/region", "/spec/resourcePrefix"},
			want:  contracts.RiskHigh,
			rules: []string{RuleFieldRisk, RuleConcernSpan},
		},
		{
			name:  "deletion is forced HIGH",
			req:   request(contracts.OperationDelete),
			unit:  unit(contracts.TierSandbox),
			want:  contracts.RiskHigh,
			rules: []string{RuleDeletion},
		},
		{
			name:  "cross-account change is forced HIGH",
			req:   &contracts.ChangeRequest{UnitID: "msg-wall", Space: "team-a", Account: "222222222222"},
			unit:  unit(contracts.TierSandbox),
			paths: []string{"/spec/lambdaMemory"},
			want:  contracts.RiskHigh,
			rules: []string{RuleFieldRisk, RuleCrossBound},
		},
		{
			name:  "batch of seven is forced HIGH",
			req:   &contracts.ChangeRequest{UnitID: "msg-wall", Space: "team-a", BatchSize: 7},
			unit:  unit(contracts.TierSandbox),
			paths: []string{"/spec/lambdaMemory"},
			want:  contracts.RiskHigh,
			rules: []string{RuleFieldRisk, RuleBatchLarge},
		},
		{
			name:  "batch of three elevates once",
			req:   &contracts.ChangeRequest{UnitID: "msg-wall", Space: "team-a", BatchSize: 3},
			unit:  unit(contracts.TierSandbox),
			paths: []string{"/spec/lambdaMemory"},
			want:  contracts.RiskMedium,
			rules: []string{RuleFieldRisk, RuleBatch},
		},
		{
			name:  "unknown field defaults to MEDIUM",
			req:   request(contracts.OperationUpdate),
			unit:  unit(contracts.TierSandbox),
			paths: []string{"/spec/somethingNew"},
			want:  contracts.RiskMedium,
			rules: []string{RuleFieldRisk, RuleUnknownField},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(Input{Request: tt.req, Unit: tt.unit, ChangedPaths: tt.paths})
			assert.Equal(t, tt.want, got.Class)
			assert.Equal(t, tt.rules, got.Rules)
			assert.Contains(t, got.Rationale, string(tt.want))
		})
	}
}

func TestClassifyRationaleEnumeratesRules(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify(Input{
		Request:      request(contracts.OperationUpdate),
		Unit:         unit(contracts.TierProduction),
		ChangedPaths: []string{"/spec/region", "/spec/resourcePrefix"},
	})
	assert.Contains(t, got.Rationale, "region=MEDIUM")
	assert.Contains(t, got.Rationale, "resourcePrefix=MEDIUM")
	assert.Contains(t, got.Rationale, "spans 2 concerns")
	assert.Contains(t, got.Rationale, "production")
	assert.Equal(t, []string{"identity", "location"}, got.ConcernNames())
}

func TestLookupSkipsArrayIndexes(t *testing.T) {
	table := DefaultTable()
	rule, field, ok := table.Lookup("/spec/permissions/0")
	assert.True(t, ok)
	assert.Equal(t, "permissions", field)
	assert.Equal(t, contracts.RiskHigh, rule.Risk)

	rule, field, ok = table.Lookup("/spec/ROLEARN")
	assert.True(t, ok)
	assert.Equal(t, "ROLEARN", field)
	assert.Equal(t, ConcernIdentity, rule.Concern)
}

func TestLookupInheritsFromListedAncestor(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		pointer string
		field   string
		risk    contracts.RiskClass
	}{
		{"/permissions/0/actions", "permissions", contracts.RiskHigh},
		{"/policy/Statement/0/Action", "policy", contracts.RiskHigh},
		{"/spec/permissions/2/Resource/1", "permissions", contracts.RiskHigh},
		{"/environment/LOG_FORMAT", "environment", contracts.RiskLow},
		// A deeper listed field wins a tie and a higher-risk ancestor wins otherwise.
		{"/environment/timeout", "timeout", contracts.RiskLow},
		{"/policy/region", "policy", contracts.RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.pointer, func(t *testing.T) {
			rule, field, ok := table.Lookup(tt.pointer)
			assert.True(t, ok)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.risk, rule.Risk)
		})
	}

	_, field, ok := table.Lookup("/spec/unlisted/0")
	assert.False(t, ok)
	assert.Equal(t, "unlisted", field)
}

func TestClassifyNestedPermissionEditIsHigh(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify(Input{
		Request:      request(contracts.OperationUpdate),
		Unit:         unit(contracts.TierSandbox),
		ChangedPaths: []string{"/policy/Statement/0/Action", "/permissions/0/actions"},
	})
	assert.Equal(t, contracts.RiskHigh, got.Class)
	assert.Equal(t, []string{"identity"}, got.ConcernNames())
	assert.NotContains(t, got.Rules, RuleUnknownField)
}

func TestClassifyObservedBatchSize(t *testing.T) {
	c := NewClassifier(nil)
	paths := []string{"/spec/lambdaMemory"}
	batched := func(declared int) *contracts.ChangeRequest {
		req := request(contracts.OperationUpdate)
		req.BatchID, req.BatchSize = "b1", declared
		return req
	}

	tests := []struct {
		name     string
		req      *contracts.ChangeRequest
		peers    int
		want     contracts.RiskClass
		wantRule string
	}{
		{"declared single, five peers", batched(1), 5, contracts.RiskHigh, RuleBatchLarge},
		{"undeclared, one peer", batched(0), 1, contracts.RiskMedium, RuleBatch},
		{"declared larger than observed", batched(6), 1, contracts.RiskHigh, RuleBatchLarge},
		{"no peers", batched(0), 0, contracts.RiskLow, RuleFieldRisk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(Input{Request: tt.req, Unit: unit(contracts.TierSandbox), ChangedPaths: paths, BatchPeers: tt.peers})
			assert.Equal(t, tt.want, got.Class)
			assert.Contains(t, got.Rules, tt.wantRule)
		})
	}

	// Peers without a batch id are ignored.
	req := request(contracts.OperationUpdate)
	got := c.Classify(Input{Request: req, Unit: unit(contracts.TierSandbox), ChangedPaths: paths, BatchPeers: 9})
	assert.Equal(t, contracts.RiskLow, got.Class)
}

func TestSetTableSwapsRules(t *testing.T) {
	c := NewClassifier(nil)
	in := Input{Request: request(contracts.OperationUpdate), Unit: unit(contracts.TierSandbox), ChangedPaths: []string{"/lambdaMemory"}}
	assert.Equal(t, contracts.RiskLow, c.Classify(in).Class)

	c.SetTable(NewFieldTable(map[string]FieldRule{
		"lambdaMemory": {Risk: contracts.RiskHigh, Concern: ConcernCompute},
	}, FieldRule{Risk: contracts.RiskMedium, Concern: ConcernOther}))
	assert.Equal(t, contracts.RiskHigh, c.Classify(in).Class)

	c.SetTable(nil)
	assert.Equal(t, contracts.RiskHigh, c.Classify(in).Class)
}
