package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/loykin/vigil/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatusTable(w io.Writer, sts []client.ProcessStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tSINCE\tRESTARTS\tFAILURES\tLAST ERROR")
	for _, st := range sts {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			st.Name, st.State, pid, ago(st.Since), st.Restarts, st.Failures, st.LastError)
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, st client.ProcessStatus) {
	if len(st.History) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PID\tSTARTED\tRAN\tEXIT\tREASON\tMIN UPTIME")
	for _, r := range st.History {
		ran, exit := "-", "-"
		if r.End != nil {
			ran = units.HumanDuration(r.End.Sub(r.Start))
		}
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\n",
			r.PID, r.Start.Local().Format(time.DateTime), ran, exit, r.Reason, r.ReachedMinUptime)
	}
	_ = tw.Flush()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}
