package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestProgressBarClamps(t *testing.T) {
	tests := []struct {
		current, total int64
		want           string
	}{
		{current: 0, total: 100, want: "0.0%"},
		{current: 50, total: 100, want: "50.0%"},
		{current: 200, total: 100, want: "100.0%"},
		{current: -5, total: 100, want: "0.0%"},
		{current: 5, total: 0, want: "100.0%"},
	}
	for _, tc := range tests {
		got := progressBar(tc.current, tc.total, 10)
		if !strings.Contains(got, tc.want) {
			t.Errorf("progressBar(%d, %d) = %q, want %s", tc.current, tc.total, got, tc.want)
		}
	}
	if got := progressBar(5, 10, 10); strings.Count(got, StyleSymbols["hline"]) != 5 {
		t.Errorf("half bar = %q", got)
	}
}

func TestManagerSummary(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf)
	m.StartDisplay()

	ok := m.Register("ok.bin")
	bad := m.Register("bad.bin")
	held := m.Register("held.bin")
	m.UpdateProgress(ok, 512, 1024, 2048)
	m.Complete(ok, "Downloaded ok.bin")
	m.ReportError(bad, errors.New("probe failed"))
	m.Paused(held, "Paused held.bin")
	m.StopDisplay()

	out := buf.String()
	for _, want := range []string{"Downloaded ok.bin", "Paused held.bin", "Completed 1 of 3", "Failed 1 of 3", "Paused 1 of 3", "bad.bin", "probe failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if success, failed, paused := m.Counts(); success != 1 || failed != 1 || paused != 1 {
		t.Errorf("Counts = %d %d %d", success, failed, paused)
	}
}

func TestRenderShowsProgressForActiveJobs(t *testing.T) {
	m := NewManager(&bytes.Buffer{})
	id := m.Register("big.iso")
	m.SetStatus(id, "downloading")
	m.SetMessage(id, "Downloading big.iso")
	m.UpdateProgress(id, 1024, 4096, 1024)

	lines := m.render(0)
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if !strings.Contains(lines[1], "25.0%") || !strings.Contains(lines[1], "1.00 KB / 4.00 KB") {
		t.Errorf("progress line = %q", lines[1])
	}
}

func TestRenderLimitsFinishedJobs(t *testing.T) {
	m := NewManager(&bytes.Buffer{})
	for i := 0; i < 6; i++ {
		id := m.Register("f")
		m.Complete(id, "done")
	}
	lines := m.render(3)
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "4 earlier jobs hidden") {
		t.Errorf("first line = %q", lines[0])
	}
}
