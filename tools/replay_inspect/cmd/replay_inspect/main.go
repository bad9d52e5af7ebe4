package main

import (
	"flag"
	"fmt"
	"os"

	replayinspect "sensorfuse/fusiond/tools/replay_inspect"
)

func main() {
	root := flag.String("dir", ".", "directory containing recorded bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	summaries, err := replayinspect.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replayinspect.MarshalSummaries(summaries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, summary := range summaries {
		fmt.Printf("%s (%s)\n", summary.Directory, summary.CreatedAt)
		fmt.Printf("  fused: %d  dropped: %d\n", summary.Fused, summary.Dropped)
		if summary.LastKeyNS > 0 {
			fmt.Printf("  keys: %d .. %d\n", summary.FirstKeyNS, summary.LastKeyNS)
		}
		for i, name := range summary.Channels {
			fmt.Printf("  %s: %d messages (%d in drops)\n", name, summary.Occupancy[i], summary.DropsByChan[i])
		}
	}
}
