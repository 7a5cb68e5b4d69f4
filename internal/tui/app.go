// Package tui is the interactive dashboard over the Strand API. It holds no
// authoritative state: every view is rebuilt from a full pull, and the
// periodic refresh keeps it converging on the daemon's truth.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// refreshInterval is how often the dashboard re-pulls state.
const refreshInterval = 3 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	tabActiveStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	tabInactiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusBarStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	stQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	stRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	stCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	stFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func renderStatus(status string) string {
	switch status {
	case "queued", "pending":
		return stQueued.Render("● " + status)
	case "running", "approved":
		return stRunning.Render("● " + status)
	case "completed", "installed":
		return stCompleted.Render("● " + status)
	case "failed", "denied":
		return stFailed.Render("● " + status)
	default:
		return "● " + status
	}
}

// ThreadItem implements list.Item for the threads tab.
type ThreadItem struct {
	ID        string
	Name      string
	Mode      string
	TaskCount int
}

func (i ThreadItem) FilterValue() string { return i.Name }
func (i ThreadItem) Title() string       { return i.Name }
func (i ThreadItem) Description() string {
	return fmt.Sprintf("%s • %d tasks • %s", i.Mode, i.TaskCount, i.ID[:8])
}

// PackageItem implements list.Item for the packages tab.
type PackageItem struct {
	Name   string
	Status string
	Safety string
	Reason string
}

func (i PackageItem) FilterValue() string { return i.Name }
func (i PackageItem) Title() string       { return i.Name }
func (i PackageItem) Description() string {
	desc := fmt.Sprintf("%s • safety %s", renderStatus(i.Status), i.Safety)
	if i.Reason != "" {
		desc += " • " + i.Reason
	}
	return desc
}

// ToolItem implements list.Item for the tools tab.
type ToolItem struct {
	Name       string
	Domain     string
	Desc       string
	UsageCount int
	IsSystem   bool
}

func (i ToolItem) FilterValue() string { return i.Name }
func (i ToolItem) Title() string       { return i.Name }
func (i ToolItem) Description() string {
	kind := "forged"
	if i.IsSystem {
		kind = "system"
	}
	return fmt.Sprintf("%s • %s • %d uses", kind, i.Domain, i.UsageCount)
}

type tab int

const (
	tabThreads tab = iota
	tabPackages
	tabTools
	tabCount
)

var tabNames = []string{"Threads", "Packages", "Tools"}

// App is the root TUI model.
type App struct {
	client *Client

	active tab
	lists  [tabCount]list.Model
	queue  QueueInfo

	width  int
	height int
	errTxt string
}

// New creates the dashboard against the given API address.
func New(apiAddr string) *App {
	app := &App{client: NewClient(apiAddr)}

	for i := range app.lists {
		delegate := list.NewDefaultDelegate()
		l := list.New([]list.Item{}, delegate, 80, 20)
		l.Title = tabNames[i]
		l.SetShowStatusBar(true)
		l.SetFilteringEnabled(true)
		l.Styles.Title = titleStyle
		app.lists[i] = l
	}
	return app
}

// Run starts the TUI event loop.
func (a *App) Run() error {
	_, err := tea.NewProgram(a, tea.WithAltScreen()).Run()
	return err
}

// Init kicks off the first refresh and the tick loop.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

type tickMsg struct{}

// refresh pulls the full dashboard state in one command.
func (a *App) refresh() tea.Cmd {
	return func() tea.Msg {
		threads, err := a.client.ListThreads()
		if err != nil {
			return errMsg{err}
		}
		queue, err := a.client.Queue()
		if err != nil {
			return errMsg{err}
		}
		packages, err := a.client.ListPackages()
		if err != nil {
			return errMsg{err}
		}
		tools, err := a.client.ListTools()
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{threads: threads, queue: queue, packages: packages, tools: tools}
	}
}

// Update handles messages.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		for i := range a.lists {
			a.lists[i].SetSize(msg.Width, msg.Height-4)
		}
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), tick())

	case snapshotMsg:
		a.errTxt = ""
		a.queue = msg.queue
		setItems(&a.lists[tabThreads], msg.threads)
		setItems(&a.lists[tabPackages], msg.packages)
		setItems(&a.lists[tabTools], msg.tools)
		return a, nil

	case errMsg:
		a.errTxt = msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		// While the list filter is open, keys belong to it.
		if a.lists[a.active].FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "tab":
			a.active = (a.active + 1) % tabCount
			return a, nil
		case "shift+tab":
			a.active = (a.active + tabCount - 1) % tabCount
			return a, nil
		case "r":
			return a, a.refresh()
		case "a", "d":
			if a.active == tabPackages {
				return a, a.decidePackage(msg.String() == "a")
			}
		}
	}

	var cmd tea.Cmd
	a.lists[a.active], cmd = a.lists[a.active].Update(msg)
	return a, cmd
}

// decidePackage approves or denies the selected package and refreshes.
func (a *App) decidePackage(approve bool) tea.Cmd {
	item, ok := a.lists[tabPackages].SelectedItem().(PackageItem)
	if !ok {
		return nil
	}
	return func() tea.Msg {
		var err error
		if approve {
			err = a.client.ApprovePackage(item.Name)
		} else {
			err = a.client.DenyPackage(item.Name)
		}
		if err != nil {
			return errMsg{err}
		}
		return tickMsg{}
	}
}

// View renders the active tab with the shared chrome.
func (a *App) View() string {
	tabs := ""
	for i, name := range tabNames {
		style := tabInactiveStyle
		if tab(i) == a.active {
			style = tabActiveStyle
		}
		if i > 0 {
			tabs += "  "
		}
		tabs += style.Render(name)
	}

	status := statusBarStyle.Render(fmt.Sprintf(
		"queue: %d queued / %d running  •  tab: switch  r: refresh  a/d: approve/deny  q: quit",
		a.queue.Queued, a.queue.Running))
	if a.errTxt != "" {
		status = errStyle.Render("error: " + a.errTxt)
	}

	return tabs + "\n\n" + a.lists[a.active].View() + "\n" + status
}

func setItems[T list.Item](l *list.Model, items []T) {
	converted := make([]list.Item, len(items))
	for i, item := range items {
		converted[i] = item
	}
	l.SetItems(converted)
}
