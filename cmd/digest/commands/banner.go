package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/digest/version"
)

// printStartupBanner prints the listen address and what was restored
func printStartupBanner(port int, dbPath string, recovered, scheduled int) {
	pterm.DefaultHeader.WithFullWidth().Println("digest")

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Version", version.Get().String()},
		{"Listening", fmt.Sprintf("http://localhost:%d", port)},
		{"Live jobs", fmt.Sprintf("ws://localhost:%d/ws/jobs", port)},
		{"Database", dbPath},
		{"Subscriptions", fmt.Sprintf("%d scheduled", scheduled)},
	}).Render()

	if recovered > 0 {
		pterm.Warning.Printf("%d interrupted job(s) marked failed; retry their batches to resume\n", recovered)
	}
	pterm.Info.Println("Press Ctrl+C to stop")
}
