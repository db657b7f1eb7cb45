package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/deadletter"
	"github.com/zulandar/switchyard/internal/instance"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "Displays message counts per status, unresolved dead letters and running stage instances.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, all)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().BoolVar(&all, "all", false, "include stopped instances")
	return cmd
}

type statusInfo struct {
	Messages   map[string]int64
	Unresolved int64
	Instances  []models.StageInstance
}

func runStatus(cmd *cobra.Command, configPath string, all bool) error {
	ctx := cmd.Context()
	_, gormDB, err := connectFromConfig(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	var info statusInfo
	if info.Messages, err = store.New(store.Opts{DB: gormDB}).CountByStatus(ctx); err != nil {
		return err
	}
	if info.Unresolved, err = deadletter.NewService(gormDB, nil, "").CountUnresolved(ctx); err != nil {
		return err
	}
	if info.Instances, err = instance.List(gormDB, all); err != nil {
		return err
	}
	formatStatus(cmd.OutOrStdout(), info, time.Now())
	return nil
}

func formatStatus(out io.Writer, info statusInfo, now time.Time) {
	fmt.Fprintln(out, "MESSAGES")
	for _, s := range []string{store.StatusPending, store.StatusProcessing, store.StatusProcessed, store.StatusFailed} {
		fmt.Fprintf(out, "  %-11s %d\n", s, info.Messages[s])
	}
	fmt.Fprintf(out, "\nDEAD LETTERS\n  unresolved  %d\n", info.Unresolved)

	fmt.Fprintln(out, "\nINSTANCES")
	if len(info.Instances) == 0 {
		fmt.Fprintln(out, "  none running")
		return
	}
	fmt.Fprintf(out, "  %-12s  %-10s  %-8s  %-20s  %s\n", "ID", "STAGE", "STATUS", "HOST", "LAST HEARTBEAT")
	for _, inst := range info.Instances {
		hb := fmt.Sprintf("%s ago", now.Sub(inst.LastHeartbeat).Round(time.Second))
		if instance.Stale(inst, now, instance.DefaultHeartbeatInterval) {
			hb += " (stale)"
		}
		fmt.Fprintf(out, "  %-12s  %-10s  %-8s  %-20s  %s\n",
			inst.ID, inst.Stage, inst.Status, clip(fmt.Sprintf("%s:%d", inst.Hostname, inst.PID), 20), hb)
	}
}
