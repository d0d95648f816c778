package classify

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidRoll is returned when a roll number fails validation after cleaning.
var ErrInvalidRoll = errors.New("invalid roll number")

// MinRollLen is the shortest roll number that still carries a branch code.
const MinRollLen = 8

// Branch code sits at a fixed offset inside the roll number.
const (
	codeStart = 6
	codeEnd   = 8
)

// UnknownBranch is assigned when the embedded code has no mapping.
const UnknownBranch = "UNKNOWN"

// branchByCode maps the two-digit code embedded in a roll number to a branch.
var branchByCode = map[string]string{
	"01": "CIVIL",
	"02": "EEE",
	"03": "MECH",
	"04": "ECE",
	"05": "CSE",
	"06": "CST",
	"14": "ECT",
	"43": "CAI",
	"44": "CSD",
	"61": "AIML",
}

// branchAliases folds legacy spellings into the canonical branch code.
// Kept as data so historical imports converge without code changes.
var branchAliases = map[string]string{
	"AIM": "AIML",
}

// Result is a cleaned roll number and its derived branch.
type Result struct {
	Roll   string
	Branch string
}

// Clean trims, uppercases, and strips the trailing ".0" artifact that
// spreadsheet exports append to numeric-looking cells.
func Clean(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if strings.HasSuffix(s, ".0") {
		s = s[:len(s)-2]
	}
	return s
}

// NormalizeBranch maps a branch value onto its canonical form.
func NormalizeBranch(branch string) string {
	b := strings.ToUpper(strings.TrimSpace(branch))
	if canonical, ok := branchAliases[b]; ok {
		return canonical
	}
	return b
}

// Classify validates a raw roll number and derives its branch. An unmapped
// branch code yields UnknownBranch rather than an error; a roll that is empty
// or too short after cleaning is rejected with ErrInvalidRoll.
func Classify(raw string) (Result, error) {
	roll := Clean(raw)
	if len(roll) < MinRollLen {
		return Result{}, ErrInvalidRoll
	}
	branch, ok := branchByCode[roll[codeStart:codeEnd]]
	if !ok {
		branch = UnknownBranch
	}
	return Result{Roll: roll, Branch: NormalizeBranch(branch)}, nil
}

// Branches returns the canonical branch set in stable order. Consumers use it
// to zero-fill per-branch tallies.
func Branches() []string {
	out := make([]string, 0, len(branchByCode))
	for _, b := range branchByCode {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
