package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/petrijr/replayflow/pkg/api"
)

type output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

func (o *output) print(headers []string, rows [][]string, jsonData any) error {
	if o.jsonMode {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(jsonData)
	}
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (o *output) message(format string, args ...any) {
	fmt.Fprintf(o.errW, format+"\n", args...)
}

var instanceHeaders = []string{"ID", "NAME", "STATUS", "CREATED", "UPDATED", "OUTPUT", "ERROR"}

func instanceRow(inst *api.Instance) []string {
	return []string{
		inst.ID,
		inst.Name,
		string(inst.Status),
		inst.CreatedAt.Format(time.RFC3339),
		inst.LastUpdatedAt.Format(time.RFC3339),
		inst.Output.String(),
		inst.Error,
	}
}

func (o *output) instances(list []*api.Instance) error {
	rows := make([][]string, len(list))
	for i, inst := range list {
		rows[i] = instanceRow(inst)
	}
	return o.print(instanceHeaders, rows, list)
}

func (o *output) history(events []api.HistoryEvent) error {
	headers := []string{"SEQ", "TYPE", "NAME", "REF", "TIME", "DATA"}
	rows := make([][]string, len(events))
	for i, ev := range events {
		ref := ""
		if ev.ScheduledSeq > 0 {
			ref = fmt.Sprint(ev.ScheduledSeq)
		}
		data := ev.Error
		switch {
		case len(ev.Output) > 0:
			data = ev.Output.String()
		case len(ev.Input) > 0:
			data = ev.Input.String()
		case !ev.FireAt.IsZero():
			data = "fire at " + ev.FireAt.Format(time.RFC3339)
		}
		rows[i] = []string{
			fmt.Sprint(ev.Seq),
			string(ev.Type),
			ev.Name,
			ref,
			ev.Timestamp.Format(time.RFC3339Nano),
			data,
		}
	}
	return o.print(headers, rows, events)
}
