// Package job defines the download job payload and its validated decoding at
// the queue boundary.
package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Job is one unit of work: a named destination plus an ordered list of asset
// URLs to fetch. The JSON field names are the wire contract with the
// producers already feeding the queue.
type Job struct {
	MangaTitle   string   `json:"manga_title"`
	ChapterTitle string   `json:"chapter_title"`
	URLs         []string `json:"urls"`
	SourceURL    string   `json:"source_url,omitempty"`

	// FanoutLimit bounds concurrent asset fetches within this job. It is
	// independent of the per-source admission limit.
	FanoutLimit int `json:"sem_limit,omitempty"`
}

// Decode parses and validates a queue payload. A zero or negative fan-out
// falls back to defaultFanout. Jobs that fail validation are rejected here
// so the consumer can dead-letter them instead of dropping them silently.
func Decode(payload []byte, defaultFanout int) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	if j.FanoutLimit <= 0 {
		j.FanoutLimit = defaultFanout
	}
	return j, nil
}

// Validate enforces the job shape. Title fields become path segments under
// the output root, so they must not traverse out of it.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ChapterTitle) == "" {
		return fmt.Errorf("job missing chapter_title")
	}
	if len(j.URLs) == 0 {
		return fmt.Errorf("job has no urls")
	}
	if err := checkSegment("manga_title", j.MangaTitle, true); err != nil {
		return err
	}
	if err := checkSegment("chapter_title", j.ChapterTitle, false); err != nil {
		return err
	}
	for i, u := range j.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("job url %d is empty", i)
		}
	}
	return nil
}

func checkSegment(field, value string, allowEmpty bool) error {
	if value == "" {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("job missing %s", field)
	}
	if value == "." || value == ".." ||
		strings.ContainsAny(value, `/\`) || strings.Contains(value, "..") {
		return fmt.Errorf("job %s %q is not a safe path segment", field, value)
	}
	return nil
}
