package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"instancewatch.app/internal/persistence/journal"
	"instancewatch.app/internal/protocol"
	"instancewatch.app/internal/session"
)

func main() {
	var (
		dir     = flag.String("journal", "", "journal dir containing journal-*.jsonl.zst")
		groupID = flag.String("group", "", "selected group id (overrides recorded GROUP_CHANGED events)")
		verbose = flag.Bool("v", false, "print one line per event")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "missing -journal")
		os.Exit(2)
	}

	engineLog := log.New(io.Discard, "", 0)
	if *verbose {
		engineLog = log.New(os.Stderr, "[replay] ", 0)
	}
	e := session.New(session.Config{Logger: engineLog})

	if *groupID != "" {
		e.StepOnce(&protocol.GroupChanged{Type: protocol.TypeGroupChanged, GroupID: *groupID})
	}

	var total, applied uint64
	var firstAt, lastAt int64
	err := journal.ReadDir(*dir, func(entry journal.Entry, ev protocol.Event) error {
		if *groupID != "" {
			if _, ok := ev.(*protocol.GroupChanged); ok {
				return nil
			}
		}
		total++
		if firstAt == 0 {
			firstAt = entry.AtMs
		}
		lastAt = entry.AtMs

		before := e.Snapshot().Seq
		snap := e.StepOnce(ev)
		if snap.Seq != before {
			applied++
		}
		if *verbose {
			fmt.Printf("%-20s seq=%-6d phase=%-14s roster=%d\n",
				ev.EventType(), snap.Seq, snap.Phase, len(snap.Roster))
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if total == 0 {
		fmt.Fprintln(os.Stderr, "no journal entries found in", *dir)
		os.Exit(1)
	}

	snap := e.Snapshot()
	fmt.Printf("replayed events=%d applied=%d window=%s..%s\n",
		total, applied,
		time.UnixMilli(firstAt).UTC().Format(time.RFC3339),
		time.UnixMilli(lastAt).UTC().Format(time.RFC3339))
	fmt.Printf("final phase=%s world=%s name=%q location=%s\n",
		snap.Phase, snap.Location.WorldID, snap.WorldName, snap.Location.RawLocation)
	fmt.Printf("roster=%d tracked=%d selected_group=%s\n",
		len(snap.Roster), len(snap.Entities), snap.SelectedGroupID)
	for _, p := range snap.Roster {
		fmt.Printf("  present %-24s id=%s joined=%s\n",
			p.DisplayName, orDash(p.UserID), p.JoinedAt.UTC().Format(time.RFC3339))
	}
	if c := snap.Correlation; c != nil {
		fmt.Printf("correlated instance=%s world=%q owner=%s count=%d selected=%v\n",
			c.Location, c.WorldName, c.OwnerID, c.Count, snap.IsSelectedGroup)
	} else {
		fmt.Printf("no correlated group instance\n")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
