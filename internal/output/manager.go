package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/tafim/internal/utils"
)

type JobOutput struct {
	ID          int
	Name        string
	Status      string
	Message     string
	Progress    string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Name  string
	Error error
	Time  time.Time
}

// Manager renders one status line per job. On a terminal it redraws in place;
// elsewhere it only prints the final state and a summary.
type Manager struct {
	out         io.Writer
	tty         *os.File
	outputs     map[int]*JobOutput
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	jobCount    int
	doneCh      chan struct{}
	displayTick time.Duration
	displayWg   sync.WaitGroup
}

func NewManager(out io.Writer) *Manager {
	m := &Manager{
		out:         out,
		outputs:     make(map[int]*JobOutput),
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
	if f, ok := out.(*os.File); ok && isTerminal(f) {
		m.tty = f
	}
	return m
}

func (m *Manager) Register(name string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.jobCount++
	now := time.Now()
	m.outputs[m.jobCount] = &JobOutput{
		ID:          m.jobCount,
		Name:        name,
		Status:      "pending",
		StartTime:   now,
		LastUpdated: now,
	}
	return m.jobCount
}

func (m *Manager) update(id int, fn func(*JobOutput)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		fn(info)
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) SetMessage(id int, message string) {
	m.update(id, func(info *JobOutput) { info.Message = message })
}

func (m *Manager) SetStatus(id int, status string) {
	m.update(id, func(info *JobOutput) { info.Status = status })
}

func (m *Manager) UpdateProgress(id int, downloaded, total int64, speed float64) {
	m.update(id, func(info *JobOutput) {
		info.Progress = fmt.Sprintf("%s %s / %s %s %s",
			progressBar(downloaded, total, 30),
			utils.FormatBytes(uint64(max(downloaded, 0))),
			utils.FormatBytes(uint64(max(total, 0))),
			StyleSymbols["bullet"],
			utils.FormatSpeed(speed))
	})
}

func (m *Manager) Complete(id int, message string) {
	m.update(id, func(info *JobOutput) {
		info.Progress = ""
		if message == "" {
			message = fmt.Sprintf("Completed %s", info.Name)
		}
		info.Message = message
		info.Complete = true
		info.Status = "success"
	})
}

// Paused marks a job that stopped with its progress kept for a later run.
func (m *Manager) Paused(id int, message string) {
	m.update(id, func(info *JobOutput) {
		info.Message = message
		info.Complete = true
		info.Status = "paused"
	})
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Complete = true
		info.Status = "error"
		info.Error = err
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{Name: info.Name, Error: err, Time: time.Now()})
	}
}

// Counts returns how many jobs succeeded, failed and were left paused.
func (m *Manager) Counts() (success, failed, paused int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "error":
			failed++
		case "paused":
			paused++
		}
	}
	return success, failed, paused
}

func (m *Manager) sorted() (active, completed []*JobOutput) {
	all := make([]*JobOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, info := range all {
		if info.Complete {
			completed = append(completed, info)
		} else {
			active = append(active, info)
		}
	}
	return active, completed
}

// render lays out at most limit lines, dropping the oldest finished jobs first.
func (m *Manager) render(limit int) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	active, completed := m.sorted()
	indent := strings.Repeat(" ", 2)

	var lines []string
	for _, info := range active {
		elapsed := time.Since(info.StartTime).Round(time.Second)
		message := info.Message
		if message == "" {
			message = "Waiting..."
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, statusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, message)))
		if info.Progress != "" {
			lines = append(lines, indent+indent+indent+streamStyle.Render(info.Progress))
		}
	}
	room := len(completed)
	if limit > 0 {
		room = max(0, min(room, limit-len(lines)))
	}
	if room > 0 && room < len(completed) {
		room--
		lines = append(lines, indent+infoStyle.Render(fmt.Sprintf("%d earlier jobs hidden ...", len(completed)-room)))
	}
	for _, info := range completed[len(completed)-room:] {
		total := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, statusIndicator(info.Status), debugStyle.Render(total.String()), styleMessage(info.Status, info.Message)))
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return lines
}

func (m *Manager) redraw() {
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	limit := 0
	if m.tty != nil {
		limit = terminalHeight(m.tty) - 3
	}
	lines := m.render(limit)
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.tty != nil {
					m.redraw()
				}
			case <-m.doneCh:
				m.redraw()
				m.showSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) showSummary() {
	success, failures, paused := m.Counts()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	total := len(m.outputs)
	indent := strings.Repeat(" ", 2)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, indent+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, total)))
	if paused > 0 {
		fmt.Fprintln(m.out, indent+warningStyle.Render(fmt.Sprintf("Paused %d of %d (run again to resume)", paused, total)))
	}
	if failures > 0 {
		fmt.Fprintln(m.out, indent+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, total)))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(m.out)
		fmt.Fprintln(m.out, indent+errorStyle.Bold(true).Render("Errors:"))
		for i, report := range m.errors {
			fmt.Fprintf(m.out, "%s%s %s %s\n", indent+indent,
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
				errorStyle.Render(report.Name))
			fmt.Fprintf(m.out, "%s%s\n", indent+indent+indent, errorStyle.Render(fmt.Sprintf("Error: %v", report.Error)))
		}
	}
	fmt.Fprintln(m.out)
}
