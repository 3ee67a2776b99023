package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tomiyuta/gmo-coin-bot/internal/report"
)

func main() {
	dir := flag.String("dir", "daily_results", "Directory containing exported results_*.csv files")
	flag.Parse()

	rows, err := report.LoadDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load results: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Printf("no results found under %s\n", *dir)
		return
	}

	fmt.Println(report.Render(report.Summarize(rows)))
}
