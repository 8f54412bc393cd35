package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"dutybot/internal/config"
	"dutybot/internal/flow"
	"dutybot/internal/server"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

// Check loads the config, builds every flow and prints the resulting
// schedule without starting anything.
func Check(cfgPath string, w io.Writer, runs int) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	srvOpt, err := mapServerOptions(cfg)
	if err != nil {
		return err
	}
	srvOpt.Logger = logx.Nop()
	srv := server.New(srvOpt)

	sched, err := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, nil, logx.Nop())
	if err != nil {
		return err
	}
	table, err := flow.Build(cfg.Flows, flow.Options{Logger: logx.Nop(), UploadURL: srv.UploadURL})
	if err != nil {
		return err
	}
	defer table.Close()

	now := time.Now().In(sched.Location())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "config\t%s\n", cfgPath)
	fmt.Fprintf(tw, "timezone\t%s\n", sched.Location())
	fmt.Fprintf(tw, "listen\t%s\n", srvOpt.PublicURL)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TASK\tSOURCE\tCRON\tNEXT")
	for _, f := range table.Flows() {
		for _, p := range f.Publishers {
			next, err := scheduler.NextRuns(p.Cron, now, runs)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.TaskName(f.ID), f.SourceName, p.Cron, formatRuns(next))
		}
	}
	ingesters := table.Ingesters()
	if len(ingesters) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "FLOW\tUPLOAD")
		for _, f := range table.Flows() {
			if _, ok := ingesters[f.ID]; ok {
				fmt.Fprintf(tw, "%s\t%s\n", f.ID, srv.UploadURL(f.ID))
			}
		}
	}
	return tw.Flush()
}

func formatRuns(ts []time.Time) string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Format("2006-01-02 15:04"))
	}
	return strings.Join(out, ", ")
}
