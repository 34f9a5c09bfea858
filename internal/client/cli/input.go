package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// TimeLayout is how the console reads and prints appointment times.
const TimeLayout = "2006-01-02 15:04"

// GetSimpleText prints a prompt to w and reads a single line of input from reader.
// The trailing newline is trimmed. If EOF occurs after some input was read,
// the partial line is returned.
//
// Example prompt format:
//
//	Prompt text
//	> _
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetTime prompts for a local time in TimeLayout. An empty answer returns
// nil when optional is set.
func GetTime(reader *bufio.Reader, prompt string, w io.Writer, optional bool) (*time.Time, error) {
	text, err := GetSimpleText(reader, prompt+" ("+TimeLayout+")", w)
	if err != nil {
		return nil, err
	}
	if text == "" && optional {
		return nil, nil
	}
	t, err := time.ParseInLocation(TimeLayout, text, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", text, err)
	}
	return &t, nil
}

// GetList prompts for a comma-separated list. Blank items are dropped.
func GetList(reader *bufio.Reader, prompt string, w io.Writer) ([]string, error) {
	text, err := GetSimpleText(reader, prompt+" (comma separated)", w)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range strings.Split(text, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}
