package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// CallControls are the session operations bound to keys in the call view.
type CallControls interface {
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
}

// CallUIOptions configure a CallUI.
type CallUIOptions struct {
	RoomLink   string
	MaxRetries int
}

// CallUI runs the live call view until the user leaves or the session
// closes its update channel.
type CallUI struct {
	program *tea.Program
	model   *callModel
	wg      sync.WaitGroup
	err     error
}

type snapshotMsg call.Snapshot

type sessionClosedMsg struct{}

type noticeMsg string

type tickMsg time.Time

// callModel is the bubbletea model behind CallUI
type callModel struct {
	controls CallControls
	updates  <-chan call.Snapshot
	notices  chan string
	opts     CallUIOptions

	snap      call.Snapshot
	spinner   spinner.Model
	startTime time.Time
	status    string
	err       error
	left      bool
	closed    bool
}

// NewCallUI creates a call view fed by a session's snapshot updates.
func NewCallUI(controls CallControls, updates <-chan call.Snapshot, opts CallUIOptions) *CallUI {
	return &CallUI{model: newCallModel(controls, updates, opts)}
}

func newCallModel(controls CallControls, updates <-chan call.Snapshot, opts CallUIOptions) *callModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &callModel{
		controls:  controls,
		updates:   updates,
		notices:   make(chan string, 16),
		opts:      opts,
		spinner:   s,
		startTime: time.Now(),
	}
}

// Start starts the UI in a goroutine
func (ui *CallUI) Start() {
	// Inline mode keeps the room info printed above the view.
	ui.program = tea.NewProgram(ui.model)
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		if _, err := ui.program.Run(); err != nil {
			ui.err = fmt.Errorf("call view: %w", err)
		}
	}()
}

// Notify shows a one-line message, such as an incoming call alert.
func (ui *CallUI) Notify(msg string) {
	select {
	case ui.model.notices <- msg:
	default:
	}
}

// Wait blocks until the view exits. It reports whether the user asked to
// leave, as opposed to the session ending on its own.
func (ui *CallUI) Wait() (bool, error) {
	ui.wg.Wait()
	return ui.model.left, ui.err
}

// Stop stops the UI
func (ui *CallUI) Stop() {
	if ui.program != nil {
		ui.program.Quit()
	}
	ui.wg.Wait()
}

func (m *callModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.listenForUpdates(),
		m.listenForNotices(),
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *callModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-m.updates
		if !ok {
			return sessionClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func (m *callModel) listenForNotices() tea.Cmd {
	return func() tea.Msg {
		return noticeMsg(<-m.notices)
	}
}

func (m *callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.left = true
			return m, tea.Quit
		case "m":
			muted, err := m.controls.ToggleMute()
			m.setResult(err, "Microphone", !muted)
		case "v":
			off, err := m.controls.ToggleVideo()
			m.setResult(err, "Camera", !off)
		}

	case snapshotMsg:
		m.snap = call.Snapshot(msg)
		return m, m.listenForUpdates()

	case sessionClosedMsg:
		m.closed = true
		return m, tea.Quit

	case noticeMsg:
		m.status = string(msg)
		return m, m.listenForNotices()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tick()
	}

	return m, nil
}

func (m *callModel) setResult(err error, device string, on bool) {
	if err != nil {
		m.err = err
		return
	}
	m.err = nil
	if on {
		m.status = device + " on"
	} else {
		m.status = device + " off"
	}
}

func (m *callModel) View() string {
	if m.left || m.closed {
		return ""
	}

	var b strings.Builder

	room := m.snap.RoomID
	if room == "" {
		room = "..."
	}
	fmt.Fprintf(&b, "\n%s In call %s %s\n\n",
		IconCall, BoldStyle.Foreground(Primary).Render(room),
		MutedStyle.Render(formatDuration(time.Since(m.startTime))))

	connected := 0
	for _, p := range m.snap.Peers {
		if p.State == call.StateConnected {
			connected++
		}
	}
	if connected < len(m.snap.Peers) || len(m.snap.Peers) == 0 {
		fmt.Fprintf(&b, "%s %d of %d peers connected\n", m.spinner.View(), connected, len(m.snap.Peers))
	} else {
		fmt.Fprintf(&b, "%s %d of %d peers connected\n", IconSuccess, connected, len(m.snap.Peers))
	}

	mic, cam := IconMic+" mic on", IconCamera+" camera on"
	if m.snap.Muted {
		mic = IconMuted + " muted"
	}
	if m.snap.VideoOff {
		cam = IconCamOff + " camera off"
	}
	fmt.Fprintf(&b, "%s   %s", mic, cam)
	if m.snap.Degraded {
		fmt.Fprintf(&b, "   %s", BadgeStyle.Render("SIGNALING DEGRADED"))
	}
	b.WriteString("\n\n")

	b.WriteString(NewPeerTable(m.snap.Peers, m.opts.MaxRetries).View())
	b.WriteString("\n")

	if m.err != nil {
		fmt.Fprintf(&b, "\n%s %s\n", ErrorStyle.Render(IconError), m.err)
	} else if m.status != "" {
		fmt.Fprintf(&b, "\n%s %s\n", IconInfo, m.status)
	}
	if m.opts.RoomLink != "" {
		fmt.Fprintf(&b, "\n%s %s\n", IconLink, MutedStyle.Render(m.opts.RoomLink))
	}

	b.WriteString("\n" + MutedStyle.Render("m: mute  v: camera  q: leave"))

	return b.String()
}
