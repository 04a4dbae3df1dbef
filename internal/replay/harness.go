// Package replay drives the golden-event contract suite: fixture
// envelopes, valid and deliberately dirty, are classified against the
// registered contracts and optionally published into their streams.
package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"blackjack/internal/eventlog"
	"blackjack/internal/schema"
)

// Mode selects what happens to fixtures that fail validation.
type Mode string

const (
	// SkipInvalid counts invalid fixtures but does not append them.
	SkipInvalid Mode = "skip_invalid"
	// FailOnInvalid aborts the run on the first invalid fixture.
	FailOnInvalid Mode = "fail_on_invalid"
	// IncludeInvalid appends invalid fixtures verbatim to exercise
	// consumer-side DLQ behavior.
	IncludeInvalid Mode = "include_invalid"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case SkipInvalid, FailOnInvalid, IncludeInvalid:
		return Mode(s), nil
	case "":
		return SkipInvalid, nil
	default:
		return "", errors.Errorf("unknown replay mode %q", s)
	}
}

// expectedKey is the test-only field on each fixture, stripped before
// publish.
const expectedKey = "expected"

// ErrInvalidFixture aborts a FailOnInvalid run.
var ErrInvalidFixture = errors.New("replay: invalid fixture")

// ErrExpectationMismatch reports fixtures whose classification disagreed
// with their expected outcome.
var ErrExpectationMismatch = errors.New("replay: fixture expectation mismatch")

// Summary is the per-run outcome.
type Summary struct {
	Total     int
	Valid     int
	Invalid   int
	Published int
	Skipped   int
	Failed    int
}

func (s Summary) String() string {
	return fmt.Sprintf("total=%d valid=%d invalid=%d published=%d skipped=%d failed=%d",
		s.Total, s.Valid, s.Invalid, s.Published, s.Skipped, s.Failed)
}

// Harness replays a fixture directory into the event store.
type Harness struct {
	log       eventlog.Log
	validator *schema.Validator
	mode      Mode
}

// NewHarness builds a harness for the given store and mode.
func NewHarness(log eventlog.Log, validator *schema.Validator, mode Mode) *Harness {
	if mode == "" {
		mode = SkipInvalid
	}
	return &Harness{log: log, validator: validator, mode: mode}
}

// Run enumerates *.json fixtures in stable lexicographic order,
// classifies each, checks it against its expected outcome, and publishes
// according to the mode. The target stream is the envelope's own schema.
func (h *Harness) Run(ctx context.Context, dir string) (Summary, error) {
	files, err := listFixtures(dir)
	if err != nil {
		return Summary{}, err
	}
	if len(files) == 0 {
		return Summary{}, errors.Errorf("no fixtures found under %s", dir)
	}

	var sum Summary
	for _, path := range files {
		sum.Total++
		fx, err := loadFixture(path)
		if err != nil {
			return sum, err
		}

		verr := h.validator.ValidateMap(fx.envelope)
		valid := verr == nil
		if valid {
			sum.Valid++
		} else {
			sum.Invalid++
		}

		if fx.expected != "" && fx.expected != classification(valid) {
			sum.Failed++
			logs.Errorf("fixture %s: expected %s, classified %s (%v)",
				filepath.Base(path), fx.expected, classification(valid), verr)
			continue
		}

		if !valid && h.mode == FailOnInvalid {
			return sum, errors.Wrapf(ErrInvalidFixture, "%s: %v", filepath.Base(path), verr)
		}

		publish := valid || h.mode == IncludeInvalid
		stream, ok := fx.envelope["schema"].(string)
		if !ok || stream == "" {
			publish = false
		}
		if !publish {
			sum.Skipped++
			continue
		}

		data, err := sonic.Marshal(fx.envelope)
		if err != nil {
			return sum, errors.Wrapf(err, "encode fixture %s", filepath.Base(path))
		}
		if _, err := h.log.Append(ctx, stream, data); err != nil {
			return sum, errors.Wrapf(err, "append fixture %s", filepath.Base(path))
		}
		sum.Published++
	}

	if sum.Failed > 0 {
		return sum, errors.Wrapf(ErrExpectationMismatch, "%d of %d fixtures", sum.Failed, sum.Total)
	}
	return sum, nil
}

type fixture struct {
	envelope map[string]any
	expected string
}

func loadFixture(path string) (fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fixture{}, errors.Wrap(err, "read fixture")
	}
	var obj map[string]any
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return fixture{}, errors.Wrapf(err, "parse fixture %s", filepath.Base(path))
	}
	expected, _ := obj[expectedKey].(string)
	delete(obj, expectedKey)
	return fixture{envelope: obj, expected: expected}, nil
}

func listFixtures(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read fixture dir")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func classification(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}
