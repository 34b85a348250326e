package invariants

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// secretPatterns match credential material regardless of the field holding it.
var secretPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"aws access key id", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"private key block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"api secret key", regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}`)},
	{"github token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36}\b`)},
	{"slack token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`)},
}

// credentialKey matches field names that hold secrets.
var credentialKey = regexp.MustCompile(`(?i)(password|passwd|secret|secretaccesskey|apikey|api_key|privatekey|clientsecret|token)$`)

// referencePrefixes mark values that point at a secret store instead of
// holding the secret itself.
var referencePrefixes = []string{
	"arn:aws:secretsmanager:",
	"arn:aws:ssm:",
	"{{resolve:",
	"${",
	"ssm:",
	"vault:",
	"secretsmanager:",
}

func isReference(s string) bool {
	for _, p := range referencePrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// credentialRule rejects fully-expanded credentials in tracked fields.
// Values are NFKC-normalized first so full-width or compatibility forms of a
// key are caught too.
type credentialRule struct{}

func (credentialRule) ID() string { return RulePlaintextSecret }

func (credentialRule) Check(in *Input) []contracts.Violation {
	var out []contracts.Violation
	walkChange(in, func(n node) {
		s, ok := n.value.(string)
		if !ok || s == "" {
			return
		}
		s = norm.NFKC.String(s)
		for _, p := range secretPatterns {
			if p.re.MatchString(s) {
				out = append(out, contracts.Violation{RuleID: RulePlaintextSecret, Path: n.ptr,
					Message: fmt.Sprintf("value contains a %s", p.name)})
				return
			}
		}
		if credentialKey.MatchString(norm.NFKC.String(n.key)) && !isReference(strings.TrimSpace(s)) {
			out = append(out, contracts.Violation{RuleID: RulePlaintextSecret, Path: n.ptr,
				Message: fmt.Sprintf("field %q holds a literal credential; use a secret reference", n.key)})
		}
	})
	return out
}
