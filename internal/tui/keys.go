package tui

import "strings"

// Dashboard keys.
const (
	KeyNextPane     = "tab"
	KeyPrevPane     = "shift+tab"
	KeyQuit         = "q"
	KeyInterrupt    = "ctrl+c"
	KeyRefresh      = "r"
	KeyTaskUp       = "k"
	KeyTaskDown     = "j"
	KeyTaskUpAlt    = "up"
	KeyTaskDownAlt  = "down"
	KeyHealthPane   = "1"
	KeyProgressPane = "2"
	KeyTasksPane    = "3"
)

// paneKeys jumps straight to a pane.
var paneKeys = map[string]PaneID{
	KeyHealthPane:   PaneHealth,
	KeyProgressPane: PaneProgress,
	KeyTasksPane:    PaneTasks,
}

var helpEntries = []struct{ keys, action string }{
	{"tab", "next pane"},
	{"1/2/3", "health, requests, tasks"},
	{"j/k", "select task"},
	{"r", "refresh health"},
	{"q", "quit"},
}

// HelpView renders the key hints shown under the panes.
func HelpView() string {
	parts := make([]string, 0, len(helpEntries))
	for _, e := range helpEntries {
		parts = append(parts, e.keys+" "+e.action)
	}
	return StyleHelp.Render(strings.Join(parts, " · "))
}
