// Package schedule keeps the periodic chain trigger present in the beat's
// table and fires table entries into the job queue.
package schedule

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"autoplan/internal/jobs"
)

// Schedule is a cron-like minute/hour pair; the remaining fields are "*".
type Schedule struct {
	Minute string `json:"minute" yaml:"minute"`
	Hour   string `json:"hour" yaml:"hour"`
}

// Spec renders the five-field cron expression.
func (s Schedule) Spec() string {
	m, h := strings.TrimSpace(s.Minute), strings.TrimSpace(s.Hour)
	if m == "" {
		m = "*"
	}
	if h == "" {
		h = "*"
	}
	return fmt.Sprintf("%s %s * * *", m, h)
}

type Kwargs = jobs.Kwargs

// Entry is a named periodic job descriptor.
type Entry struct {
	Name     string   `json:"name" yaml:"name"`
	Task     string   `json:"task" yaml:"task"`
	Schedule Schedule `json:"schedule" yaml:"schedule"`
	Kwargs   Kwargs   `json:"kwargs" yaml:"kwargs"`
	Queue    string   `json:"queue" yaml:"queue"`
}

// SameJob compares what the entry runs: task, arguments and queue.
func (e Entry) SameJob(o Entry) bool {
	return e.Task == o.Task && e.Kwargs == o.Kwargs && e.Queue == o.Queue
}

// Same also compares the schedule.
func (e Entry) Same(o Entry) bool {
	return e.SameJob(o) && e.Schedule.Spec() == o.Schedule.Spec()
}

func (e Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule entry: name required")
	}
	if e.Task == "" {
		return fmt.Errorf("schedule entry %s: task required", e.Name)
	}
	return nil
}

// BeatConfig is the finalized set of entries the beat starts from.
type BeatConfig struct {
	Entries map[string]Entry
}

// Sorted returns entries ordered by name.
func (c *BeatConfig) Sorted() []Entry {
	out := make([]Entry, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DecodeEntries parses a YAML or JSON list of entries.
func DecodeEntries(data []byte) ([]Entry, error) {
	var out []Entry
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode schedule entries: %w", err)
	}
	for _, e := range out {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeEntries renders entries as YAML.
func EncodeEntries(entries []Entry) ([]byte, error) {
	return yaml.Marshal(entries)
}
