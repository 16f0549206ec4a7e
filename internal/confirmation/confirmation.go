// Package confirmation asks the user to approve a restore before it replaces
// the site's tables and files.
package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sitevault/internal/archive"
	"sitevault/internal/display"
)

// ErrInterrupted is returned when the prompt is cancelled with a signal
var ErrInterrupted = errors.New("confirmation interrupted")

// Target describes the site a restore will overwrite
type Target struct {
	Family   string
	Database string
	Prefix   string
	DataRoot string
}

// ConfirmationService handles user confirmation for restores
type ConfirmationService interface {
	ConfirmRestore(m *archive.Manifest, target Target, autoApprove bool) (bool, error)
	DisplayRestoreSummary(m *archive.Manifest, target Target)
}

// confirmationService implements the ConfirmationService interface
type confirmationService struct {
	display *display.Service
	reader  *bufio.Reader
}

// NewConfirmationService creates a service reading answers from in
func NewConfirmationService(d *display.Service, in io.Reader) ConfirmationService {
	if in == nil {
		in = os.Stdin
	}
	return &confirmationService{display: d, reader: bufio.NewReader(in)}
}

// ConfirmRestore displays what will be restored and prompts for approval
func (cs *confirmationService) ConfirmRestore(m *archive.Manifest, target Target, autoApprove bool) (bool, error) {
	cs.DisplayRestoreSummary(m, target)

	if autoApprove {
		cs.display.Info("Auto-approving restore")
		return true, nil
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	for {
		inputChan := make(chan string, 1)
		errorChan := make(chan error, 1)
		go func() {
			input, err := cs.promptForConfirmation()
			if err != nil {
				errorChan <- err
				return
			}
			inputChan <- input
		}()

		select {
		case <-interruptChan:
			cs.display.Warning("Restore cancelled by user")
			return false, ErrInterrupted
		case err := <-errorChan:
			return false, fmt.Errorf("failed to read user input: %w", err)
		case input := <-inputChan:
			switch answer(input) {
			case answerYes:
				return true, nil
			case answerNo:
				return false, nil
			case answerDetails:
				cs.displayStreams(m)
			default:
				cs.display.Warning(fmt.Sprintf("Invalid input '%s'. Please enter 'y' for yes, 'n' for no, or 'd' for details.", input))
			}
		}
	}
}

// DisplayRestoreSummary prints the backup and the site it would replace
func (cs *confirmationService) DisplayRestoreSummary(m *archive.Manifest, target Target) {
	var rows int64
	for _, t := range m.Tables {
		rows += t.Rows
	}
	segments := 0
	for _, s := range m.Streams {
		segments += len(s.Segments)
	}

	cs.display.Section("Restore")
	cs.display.Table([]string{"Field", "Value"}, [][]string{
		{"Backup", m.ID},
		{"Created", m.Created.Local().Format(time.DateTime)},
		{"Release", m.Release},
		{"Source database", strings.TrimSpace(m.Family + " " + m.Version)},
		{"Tables", fmt.Sprintf("%d (%d rows)", len(m.Tables), rows)},
		{"Segments", strconv.Itoa(segments)},
		{"Target database", strings.TrimSpace(target.Family + " " + target.Database)},
		{"Target data root", target.DataRoot},
	})
	cs.display.Warning(fmt.Sprintf("Every %s* table in the target database and the files under %s will be replaced", target.Prefix, target.DataRoot))
}

func (cs *confirmationService) displayStreams(m *archive.Manifest) {
	rows := make([][]string, 0, len(m.Streams))
	for _, s := range m.Streams {
		var size int64
		for _, seg := range s.Segments {
			size += seg.Size
		}
		rows = append(rows, []string{s.Name, string(s.Kind), strconv.Itoa(len(s.Segments)), formatBytes(size)})
	}
	cs.display.Table([]string{"Stream", "Kind", "Segments", "Size"}, rows)
}

// promptForConfirmation prompts the user for confirmation
func (cs *confirmationService) promptForConfirmation() (string, error) {
	fmt.Fprint(cs.display.Writer(), "Do you want to restore this backup? [y/N/d]: ")

	input, err := cs.reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(input), nil
}

type reply int

const (
	answerInvalid reply = iota
	answerYes
	answerNo
	answerDetails
)

// answer parses the user's confirmation input
func answer(input string) reply {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return answerYes
	case "n", "no", "":
		return answerNo
	case "d", "details":
		return answerDetails
	}
	return answerInvalid
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
