// Package safety screens user messages for crisis phrases before they reach
// the completion service.
package safety

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed crisis_keywords.toml
var defaultPolicy []byte

// Verdict is the outcome of classifying a user message.
type Verdict int

const (
	Normal Verdict = iota
	Crisis
)

// String returns the wire name of the verdict.
func (v Verdict) String() string {
	if v == Crisis {
		return "crisis"
	}
	return "normal"
}

// Result is a classification with the phrase that triggered it, if any.
type Result struct {
	Verdict Verdict
	Phrase  string
}

// Policy is a versioned crisis phrase list and its fixed reply.
type Policy struct {
	Version string   `toml:"version"`
	Phrases []string `toml:"phrases"`
	Message string   `toml:"message"`
}

// DefaultPolicy returns the policy embedded in the binary.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("safety: embedded policy is invalid: %v", err))
	}
	return p
}

// LoadPolicy reads a policy document from path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read crisis policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a TOML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode crisis policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return errors.New("crisis policy: version is required")
	}
	if strings.TrimSpace(p.Message) == "" {
		return errors.New("crisis policy: message is required")
	}
	if len(p.Phrases) == 0 {
		return errors.New("crisis policy: at least one phrase is required")
	}

	for i, phrase := range p.Phrases {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("crisis policy: phrase %d is empty", i)
		}
	}
	return nil
}

// Classify reports Crisis when any phrase occurs in text, ignoring case.
// Word boundaries and negation are not considered. Phrases are read as they
// are at call time, so a Policy built without ParsePolicy still screens.
// Blank phrases never match.
func (p *Policy) Classify(text string) Result {
	lower := strings.ToLower(text)
	for _, phrase := range p.Phrases {
		needle := strings.ToLower(strings.TrimSpace(phrase))
		if needle == "" {
			continue
		}
		if strings.Contains(lower, needle) {
			return Result{Verdict: Crisis, Phrase: phrase}
		}
	}
	return Result{Verdict: Normal}
}
