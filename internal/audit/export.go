package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{"id", "at", "actor_id", "action", "resource", "resource_id", "outcome", "message", "changes"}

// WriteCSV serialises entries, one row each, with changed fields summarised in one column.
func WriteCSV(w io.Writer, entries []Entry) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writer.Write([]string{
			e.ID.String(),
			e.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(e.ActorID, 10),
			e.Action,
			e.Resource,
			e.ResourceID,
			string(e.Outcome),
			e.Message,
			summariseChanges(e.Diff),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func summariseChanges(d Diff) string {
	var parts []string
	for _, field := range d.Fields() {
		c := d[field]
		if !c.Changed() {
			continue
		}
		summary := c.Summary
		if c.Kind == KindObject {
			before, _ := json.Marshal(c.Before)
			after, _ := json.Marshal(c.After)
			summary = string(before) + "→" + string(after)
		}
		parts = append(parts, field+": "+summary)
	}
	return strings.Join(parts, "; ")
}
