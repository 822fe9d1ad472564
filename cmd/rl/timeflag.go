package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseTimeFlag turns a date flag into the RFC3339 value subtask edits take.
// It accepts RFC3339, YYYY-MM-DD and natural language ("tomorrow",
// "next friday 17:00"). "none" clears the field.
func parseTimeFlag(value string, now time.Time) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "none") {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	res, err := timeParser.Parse(value, now)
	if err != nil {
		return "", fmt.Errorf("parse time %q: %w", value, err)
	}
	if res == nil {
		return "", fmt.Errorf("unrecognized time %q", value)
	}
	return res.Time.UTC().Truncate(time.Second).Format(time.RFC3339), nil
}
