package task

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

const (
	DefaultTimeMS   = 1000
	DefaultMemoryKB = 256 * 1024
	FullScore       = 100
)

type plannedCase struct {
	ID       int
	Subtask  int
	Input    string
	Output   string
	TimeMS   int64
	MemoryKB int64
	Score    int
}

type plannedSubtask struct {
	ID    int
	Type  model.SubtaskType
	Score int
	Cases []plannedCase
}

// planCases resolves the case files of cfg inside dir. Without configured
// subtasks every *.in file with a matching *.out or *.ans becomes one case
// of a single sum subtask.
func planCases(dir string, cfg model.ProblemConfig) ([]plannedSubtask, error) {
	subtasks := cfg.Subtasks
	if len(subtasks) == 0 {
		found, err := discoverCases(dir)
		if err != nil {
			return nil, err
		}
		subtasks = []model.SubtaskConfig{{ID: 1, Type: model.SubtaskSum, Score: FullScore, Cases: found}}
	}
	defTime := model.ParseTimeMS(cfg.Time, DefaultTimeMS)
	defMemory := model.ParseMemoryKB(cfg.Memory, DefaultMemoryKB)

	out := make([]plannedSubtask, 0, len(subtasks))
	caseID := 0
	for i, st := range subtasks {
		if len(st.Cases) == 0 {
			continue
		}
		id := st.ID
		if id == 0 {
			id = i + 1
		}
		typ := st.Type
		if typ == "" {
			typ = model.SubtaskMin
		}
		score := st.Score
		if score == 0 {
			score = FullScore / len(subtasks)
		}
		stTime := model.ParseTimeMS(st.Time, defTime)
		stMemory := model.ParseMemoryKB(st.Memory, defMemory)
		ps := plannedSubtask{ID: id, Type: typ, Score: score}
		for j, c := range st.Cases {
			caseID++
			input, err := ensureFile(dir, c.Input)
			if err != nil {
				return nil, err
			}
			output, err := ensureFile(dir, c.Output)
			if err != nil {
				return nil, err
			}
			pc := plannedCase{
				ID:       caseID,
				Subtask:  id,
				Input:    input,
				Output:   output,
				TimeMS:   model.ParseTimeMS(c.Time, stTime),
				MemoryKB: model.ParseMemoryKB(c.Memory, stMemory),
				Score:    c.Score,
			}
			if typ == model.SubtaskSum && pc.Score == 0 {
				pc.Score = score / len(st.Cases)
				if j == len(st.Cases)-1 {
					pc.Score += score % len(st.Cases)
				}
			} else if typ != model.SubtaskSum {
				pc.Score = score
			}
			ps.Cases = append(ps.Cases, pc)
		}
		out = append(out, ps)
	}
	if caseID == 0 {
		return nil, appErr.FormatError("No test cases found.")
	}
	return out, nil
}

var digits = regexp.MustCompile(`\d+`)

// naturalLess orders names by their first number, then lexically.
func naturalLess(a, b string) bool {
	na, errA := strconv.Atoi(digits.FindString(a))
	nb, errB := strconv.Atoi(digits.FindString(b))
	if errA == nil && errB == nil && na != nb {
		return na < nb
	}
	return a < b
}

func discoverCases(dir string) ([]model.CaseConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ProblemDataInvalid, "read problem data failed")
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}
	var cases []model.CaseConfig
	for name := range names {
		if !strings.HasSuffix(name, ".in") {
			continue
		}
		base := strings.TrimSuffix(name, ".in")
		for _, ext := range []string{".out", ".ans"} {
			if names[base+ext] {
				cases = append(cases, model.CaseConfig{Input: name, Output: base + ext})
				break
			}
		}
	}
	sort.Slice(cases, func(i, j int) bool { return naturalLess(cases[i].Input, cases[j].Input) })
	return cases, nil
}

// ensureFile resolves name inside dir and fails with a format error when
// it does not name a regular file.
func ensureFile(dir, name string) (string, error) {
	if name == "/dev/null" {
		return name, nil
	}
	clean := strings.ReplaceAll(strings.TrimLeft(name, "/"), "..", "")
	if clean == "" {
		return "", appErr.FormatError("File %s not found.", name)
	}
	p := filepath.Join(dir, filepath.FromSlash(clean))
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		return "", appErr.FormatError("File %s not found.", name)
	}
	return p, nil
}
