package progressui

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	patchsync "github.com/customlauncher/patchsync/internal/sync"
)

// Reporter forwards sync events to a running Bubble Tea program
type Reporter struct {
	program *tea.Program
	done    chan error
}

// Start launches the UI on out, reading keys from in (nil disables input).
// onCancel runs when the user quits early.
func Start(out io.Writer, in io.Reader, onCancel func()) *Reporter {
	r := &Reporter{
		program: tea.NewProgram(NewModel(onCancel), tea.WithOutput(out), tea.WithInput(in)),
		done:    make(chan error, 1),
	}
	go func() {
		_, err := r.program.Run()
		r.done <- err
	}()
	return r
}

func (r *Reporter) Phase(p patchsync.Phase) {
	r.program.Send(phaseMsg(p))
}

func (r *Reporter) Progress(p patchsync.Progress) {
	r.program.Send(progressMsg(p))
}

// Bytes reports download progress of the current file
func (r *Reporter) Bytes(name string, written, total int64) {
	r.program.Send(bytesMsg{name: name, written: written, total: total})
}

// Finish renders the final message and stops the program
func (r *Reporter) Finish(rep *patchsync.Report) {
	r.program.Send(finishMsg{report: rep})
}

// Wait blocks until the program has exited
func (r *Reporter) Wait() error {
	if err := <-r.done; err != nil {
		return fmt.Errorf("progress ui failed: %w", err)
	}
	return nil
}
