// Package policyfile loads contract block and allow lists from a YAML file
// and applies them to a running firewall.
//
// Entries are only ever added: the classifier has no removal operation, so
// deleting a line from the file takes effect on the next restart.
package policyfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/txfirewall/internal/validation"
)

// ErrInvalidEntry is returned for a list entry that is not an address.
var ErrInvalidEntry = errors.New("policyfile: invalid address")

// Policy is the file format:
//
//	blocklist:
//	  - 0x...
//	allowlist:
//	  - 0x...
type Policy struct {
	Blocklist []string `yaml:"blocklist"`
	Allowlist []string `yaml:"allowlist"`
}

// Parse decodes and validates a policy. Unknown keys are rejected so a
// misspelled list name does not silently disable it.
func Parse(data []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("policyfile: parse: %w", err)
	}

	var err error
	if p.Blocklist, err = normalize("blocklist", p.Blocklist); err != nil {
		return Policy{}, err
	}
	if p.Allowlist, err = normalize("allowlist", p.Allowlist); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Load reads and parses the policy at path.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policyfile: read %s: %w", path, err)
	}
	return Parse(data)
}

func normalize(list string, addrs []string) ([]string, error) {
	out := make([]string, 0, len(addrs))
	for i, a := range addrs {
		s := validation.SanitizeAddress(a)
		if !validation.IsValidEthAddress(s) {
			return nil, fmt.Errorf("%w: %s[%d] %q", ErrInvalidEntry, list, i, a)
		}
		out = append(out, s)
	}
	return out, nil
}

// Target receives policy entries. *firewall.Pipeline satisfies it.
type Target interface {
	Block(ctx context.Context, address string) error
	Allow(ctx context.Context, address string) (bool, error)
}

// ApplyResult counts what Apply did.
type ApplyResult struct {
	Blocked int `json:"blocked"`
	Allowed int `json:"allowed"`
	Ignored int `json:"ignored"` // allow entries while allow-list mode is off
}

// Apply adds every entry of p to t.
func Apply(ctx context.Context, t Target, p Policy) (ApplyResult, error) {
	var res ApplyResult
	for _, a := range p.Blocklist {
		if err := t.Block(ctx, a); err != nil {
			return res, err
		}
		res.Blocked++
	}
	for _, a := range p.Allowlist {
		added, err := t.Allow(ctx, a)
		if err != nil {
			return res, err
		}
		if added {
			res.Allowed++
		} else {
			res.Ignored++
		}
	}
	return res, nil
}
