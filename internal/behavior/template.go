package behavior

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// WriteTemplate writes a behavior model skeleton for the given states: every
// state gets a row that always exits, and the first state is the entry state.
// The result loads as a valid model.
func WriteTemplate(w io.Writer, states []string) error {
	if len(states) == 0 {
		return errors.New("behavior: template needs at least one state")
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, ",%s,%s\n", strings.Join(states, ","), exitToken)

	zeros := strings.Repeat("0.0,", len(states))
	for i, name := range states {
		if i == 0 {
			name += entryMarker
		}
		fmt.Fprintf(bw, "%s,%s1\n", name, zeros)
	}
	return bw.Flush()
}

// WriteTemplateFile writes a template to path, replacing any existing file.
func WriteTemplateFile(path string, states []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("behavior: create template: %w", err)
	}
	if err := WriteTemplate(f, states); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
