package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	tafimhttp "github.com/tanq16/tafim/internal/downloaders/http"
	"github.com/tanq16/tafim/internal/output"
	"github.com/tanq16/tafim/internal/utils"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [OUTPUT_PATH]",
		Short: "Show saved progress of an interrupted download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := tafimhttp.StateStoreFor(args[0])
			state, err := store.Load()
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			onDisk, _ := utils.PartSizes(utils.TempDirFor(args[0]))
			output.PrintHeader(state.URL)
			output.PrintDetail(fmt.Sprintf("%s of %s saved in %s",
				utils.FormatBytes(uint64(state.Downloaded())), utils.FormatBytes(uint64(state.FileSize)), store.Path()))
			fmt.Println(renderChunkTable(state, onDisk))
			return nil
		},
	}
}

func renderChunkTable(state *tafimhttp.State, onDisk map[int]int64) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("CHUNK", "RANGE", "SAVED", "ON DISK", "STATUS")
	for _, c := range state.Chunks {
		disk := "-"
		if size, ok := onDisk[c.Index]; ok {
			disk = utils.FormatBytes(uint64(size))
		}
		t.Row(
			strconv.Itoa(c.Index),
			fmt.Sprintf("%d-%d", c.Start, c.End),
			fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(c.Current)), utils.FormatBytes(uint64(c.Length()))),
			disk,
			chunkStatusText(c.Status),
		)
	}
	return t.String()
}

func chunkStatusText(status tafimhttp.ChunkStatus) string {
	switch status {
	case tafimhttp.ChunkCompleted:
		return output.FSuccess(string(status))
	case tafimhttp.ChunkFailed:
		return output.FError(string(status))
	case tafimhttp.ChunkDownloading:
		return output.FPending(string(status))
	}
	return output.FDebug(string(status))
}
