package task

import (
	"strings"
	"testing"
	"unicode/utf8"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

func TestPlanCasesDiscovery(t *testing.T) {
	t.Parallel()
	dir := writeData(t, map[string]string{
		"10.in": "", "10.out": "",
		"2.in": "", "2.ans": "",
		"1.in": "", "1.out": "",
		"orphan.in": "",
	})
	plan, err := planCases(dir, model.ProblemConfig{Time: "2s", Memory: "128m"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 1 || len(plan[0].Cases) != 3 {
		t.Fatalf("plan = %+v", plan)
	}
	var inputs []string
	total := 0
	for _, c := range plan[0].Cases {
		inputs = append(inputs, c.Input[len(dir)+1:])
		total += c.Score
		if c.TimeMS != 2000 || c.MemoryKB != 128*1024 {
			t.Fatalf("limits = %d/%d", c.TimeMS, c.MemoryKB)
		}
	}
	if strings.Join(inputs, ",") != "1.in,2.in,10.in" {
		t.Fatalf("order = %v", inputs)
	}
	if total != FullScore {
		t.Fatalf("scores add up to %d", total)
	}
}

func TestPlanCasesLimitsInherit(t *testing.T) {
	t.Parallel()
	dir := writeData(t, map[string]string{"a.in": "", "a.out": "", "b.in": "", "b.out": ""})
	plan, err := planCases(dir, model.ProblemConfig{
		Time: "1s",
		Subtasks: []model.SubtaskConfig{{ID: 1, Time: "3s", Memory: "64m", Cases: []model.CaseConfig{
			{Input: "a.in", Output: "a.out"},
			{Input: "b.in", Output: "b.out", Time: "500ms"},
		}}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	cs := plan[0].Cases
	if cs[0].TimeMS != 3000 || cs[1].TimeMS != 500 || cs[0].MemoryKB != 64*1024 {
		t.Fatalf("cases = %+v", cs)
	}
	if plan[0].Type != model.SubtaskMin || cs[0].Score != FullScore {
		t.Fatalf("default subtask = %+v", plan[0])
	}
}

func TestEnsureFile(t *testing.T) {
	t.Parallel()
	dir := writeData(t, map[string]string{"1.in": ""})
	cases := []struct {
		name string
		ok   bool
	}{
		{"1.in", true},
		{"/1.in", true},
		{"/dev/null", true},
		{"missing.in", false},
		{"../1.in", true},
		{".", false},
		{"", false},
	}
	for _, tc := range cases {
		_, err := ensureFile(dir, tc.name)
		if (err == nil) != tc.ok {
			t.Fatalf("ensureFile(%q) err = %v", tc.name, err)
		}
		if err != nil && !appErr.IsFormat(err) {
			t.Fatalf("ensureFile(%q) must fail with a format error, got %v", tc.name, err)
		}
	}
}

func TestSameOutput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		got, want string
		same      bool
	}{
		{"1 2\n", "1 2", true},
		{"1 2  \r\n3\n\n\n", "1 2\n3", true},
		{"1 2\n", "1  2\n", false},
		{"", "\n\n", true},
		{"1\n2", "1\n3", false},
		{"1", "1\n2", false},
	}
	for _, tc := range cases {
		if got := sameOutput([]byte(tc.got), []byte(tc.want)); got != tc.same {
			t.Fatalf("sameOutput(%q, %q) = %v", tc.got, tc.want, got)
		}
	}
}

func TestCompilerText(t *testing.T) {
	t.Parallel()
	if got := CompilerText(" \n", "err"); got != "err" {
		t.Fatalf("blank stdout must be skipped, got %q", got)
	}
	if got := CompilerText("out", "err"); got != "out\nerr" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("é", CompilerTextLimit)
	got := CompilerText(long, "")
	if len(got) > CompilerTextLimit || !utf8.ValidString(got) {
		t.Fatalf("truncated text len=%d valid=%v", len(got), utf8.ValidString(got))
	}
}

func TestRemoveNixPath(t *testing.T) {
	t.Parallel()
	in := "/nix/store/abcdefghijklmnopqrstuvwxyz012345-glibc/lib/ld.so and /nix/store/short-x"
	want := "/nix/glibc/lib/ld.so and /nix/store/short-x"
	if got := RemoveNixPath(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
