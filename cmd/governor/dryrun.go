package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/config"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/patch"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/risk"
)

var nowFunc = time.Now

// dryRunFlags are shared by classify and evaluate. Neither command touches
// any store.
type dryRunFlags struct {
	request string
	unit    string
	source  string
	policy  string
}

func (f *dryRunFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.request, "request", "r", "", "change request JSON file (- for stdin)")
	cmd.Flags().StringVarP(&f.unit, "unit", "u", "", "target unit metadata JSON file")
	cmd.Flags().StringVar(&f.source, "source", "", "source unit metadata JSON file for promotions")
	cmd.Flags().StringVarP(&f.policy, "policy", "p", "", "policy file (defaults to GOVERNOR_POLICY_FILE)")
	_ = cmd.MarkFlagRequired("request")
	_ = cmd.MarkFlagRequired("unit")
}

// dryRunInput is a loaded request with the units it references.
type dryRunInput struct {
	req     contracts.ChangeRequest
	unit    *contracts.UnitMetadata
	source  *contracts.UnitMetadata
	changed []string

	// patchErr is set when the patch cannot be decoded or diffed.
	patchErr error
	policy   *config.Policy
	cfg      *config.Config
}

func (f *dryRunFlags) load(stdin io.Reader) (*dryRunInput, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	in := &dryRunInput{cfg: cfg, unit: &contracts.UnitMetadata{}}
	if err := readJSON(f.request, stdin, &in.req); err != nil {
		return nil, err
	}
	if err := readJSON(f.unit, stdin, in.unit); err != nil {
		return nil, err
	}
	v := validator.New()
	if err := v.Struct(in.req); err != nil {
		return nil, fmt.Errorf("change request: %w", err)
	}
	if err := v.Struct(in.unit); err != nil {
		return nil, fmt.Errorf("unit: %w", err)
	}
	if in.req.SourceUnit != "" && f.source != "" {
		in.source = &contracts.UnitMetadata{}
		if err := readJSON(f.source, stdin, in.source); err != nil {
			return nil, err
		}
		if in.req.Op() == contracts.OperationPromote && in.req.Patch.Empty() {
			in.req.Patch.Document = append([]byte(nil), in.source.Document...)
		}
	}
	if !in.req.Patch.Empty() {
		in.changed, in.patchErr = patch.ChangedPaths(in.req.Patch, in.unit.Document)
	}

	path := f.policy
	if path == "" {
		path = cfg.PolicyFile
	}
	if path != "" {
		if in.policy, err = config.LoadPolicy(path); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func readJSON(path string, stdin io.Reader, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type classification struct {
	Risk      contracts.RiskClass `json:"risk"`
	Route     contracts.State     `json:"route"`
	Rules     []string            `json:"rules"`
	Rationale string              `json:"rationale"`
	Fields    []string            `json:"fields,omitempty"`
	Concerns  []string            `json:"concerns,omitempty"`
}

// routeFor is the state a proposal of class c enters after submission.
func routeFor(c contracts.RiskClass) contracts.State {
	switch c {
	case contracts.RiskLow:
		return contracts.StateQueued
	case contracts.RiskMedium:
		return contracts.StateAcknowledging
	default:
		return contracts.StateApproving
	}
}

func newClassifyCmd() *cobra.Command {
	var flags dryRunFlags
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Print the risk class of a change request without submitting it",
		Example: `  governor classify --request change.json --unit unit.json
  cat change.json | governor classify -r - -u unit.json --policy policy.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := flags.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if in.patchErr != nil {
				return fmt.Errorf("patch: %w", in.patchErr)
			}
			var table *risk.FieldTable
			if in.policy != nil {
				if table, err = in.policy.FieldTable(); err != nil {
					return err
				}
			}
			a := risk.NewClassifier(table).Classify(risk.Input{Request: &in.req, Unit: in.unit, ChangedPaths: in.changed})
			return writeIndented(cmd.OutOrStdout(), classification{
				Risk:      a.Class,
				Route:     routeFor(a.Class),
				Rules:     a.Rules,
				Rationale: a.Rationale,
				Fields:    a.Fields,
				Concerns:  a.ConcernNames(),
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var flags dryRunFlags
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Check a change request against the invariant rules",
		Long: `Check a change request against the built-in invariants and the policy's
rule pack. The result is printed as JSON and the command fails if any rule
is violated, so it can gate a CI pipeline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := flags.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			var opts []invariants.Option
			if in.cfg.OverrideSigningKey != "" {
				verifier, err := invariants.NewOverrideVerifier([]byte(in.cfg.OverrideSigningKey))
				if err != nil {
					return err
				}
				opts = append(opts, invariants.WithOverrideVerifier(verifier))
			}
			if in.policy != nil && in.policy.Invariants != nil {
				opts = append(opts, invariants.WithRulePack(in.policy.Invariants))
			}
			evaluator, err := invariants.New(opts...)
			if err != nil {
				return err
			}
			if in.req.SubmittedAt.IsZero() {
				in.req.SubmittedAt = nowFunc()
			}
			var res invariants.Result
			if in.patchErr != nil {
				res = invariants.Result{
					Version:    evaluator.Version(),
					Violations: []contracts.Violation{{RuleID: invariants.RuleWellFormed, Message: in.patchErr.Error()}},
				}
			} else {
				res = evaluator.Evaluate(invariants.Input{
					Request:      &in.req,
					Unit:         in.unit,
					Source:       in.source,
					ChangedPaths: in.changed,
				})
			}
			if err := writeIndented(cmd.OutOrStdout(), res.PolicyResult()); err != nil {
				return err
			}
			if !res.Passed() {
				return fmt.Errorf("%d invariant violation(s)", len(res.Violations))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
