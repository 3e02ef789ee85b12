// Package inspect implements the CLI commands that read recorded run
// directories: the out-of-process consumer side of the on-disk tables.
package inspect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hangwatch/hangwatch/internal/allocdb"
)

// NewRunsCmd lists the recording runs under a base directory.
func NewRunsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "runs <base-dir>",
		Short: "List recording runs by launch timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := allocdb.ListRuns(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd, runs)
			}
			for _, r := range runs {
				launch := time.UnixMicro(r.Meta.LaunchTimestampUS).UTC().Format(time.RFC3339)
				marker := ""
				if r.HasStallMarker() {
					marker = "  [died mid-stall]"
				}
				cmd.Printf("%s  %s  os=%s  device=%s%s\n",
					launch, r.Path, r.Meta.OSVersion, r.Meta.DeviceModel, marker)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	return cmd
}

// NewSurvivorsCmd reports a dead run's live allocations grouped by the
// stack that created them.
func NewSurvivorsCmd() *cobra.Command {
	var (
		jsonOut bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "survivors <run-dir>",
		Short: "Show surviving allocations with their creating stacks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := allocdb.OpenRunDir(args[0])
			if err != nil {
				return err
			}
			survivors, err := run.Survivors()
			if err != nil {
				return err
			}
			if limit > 0 && len(survivors) > limit {
				survivors = survivors[:limit]
			}
			if jsonOut {
				return printJSON(cmd, survivors)
			}
			for _, s := range survivors {
				cmd.Printf("stack %#016x  count=%d  bytes=%d\n", s.StackID, s.Count, s.TotalBytes)
				for _, f := range s.Frames {
					cmd.Printf("    %#016x\n", f)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	cmd.Flags().IntVar(&limit, "limit", 50, "max stacks to print (0 = all)")
	return cmd
}

// NewStacksCmd dumps the deduplicated stack table.
func NewStacksCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stacks <run-dir>",
		Short: "Dump the deduplicated stack table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := allocdb.OpenRunDir(args[0])
			if err != nil {
				return err
			}
			st, err := allocdb.OpenStackTable(run.File(allocdb.StackTableFile))
			if err != nil {
				return err
			}
			defer st.Close()

			var rows []allocdb.StackRow
			st.Range(func(r allocdb.StackRow) bool {
				rows = append(rows, r)
				return true
			})
			if jsonOut {
				return printJSON(cmd, rows)
			}
			for _, r := range rows {
				cmd.Printf("%#016x  depth=%d\n", r.Hash, len(r.Frames))
			}
			cmd.Printf("%d stacks\n", len(rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	return cmd
}

// NewMetaCmd shows a run's metadata record plus table statistics.
func NewMetaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta <run-dir>",
		Short: "Show a run's metadata record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := allocdb.OpenRunDir(args[0])
			if err != nil {
				return err
			}
			type metaOut struct {
				allocdb.Meta
				Path       string `json:"path"`
				LiveAllocs int    `json:"live_allocs"`
				Stacks     int    `json:"stacks"`
				Images     int    `json:"images"`
			}
			out := metaOut{Meta: run.Meta, Path: run.Path}
			if at, err := allocdb.OpenAllocTable(run.File(allocdb.AllocTableFile)); err == nil {
				out.LiveAllocs = at.Len()
				at.Close()
			}
			if st, err := allocdb.OpenStackTable(run.File(allocdb.StackTableFile)); err == nil {
				out.Stacks = st.Len()
				st.Close()
			}
			if infos, err := allocdb.ReadImageLog(run.File(allocdb.ImageInfoFile)); err == nil {
				out.Images = len(infos)
			}
			return printJSON(cmd, out)
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	cmd.Println(string(raw))
	return nil
}
