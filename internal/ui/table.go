package ui

import (
	"fmt"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// PeerTable renders the remote peers of a call using lipgloss/table
type PeerTable struct {
	peers    []call.PeerStatus
	maxRetry int
}

// NewPeerTable creates a peer table. maxRetry is shown next to the retry
// count when positive.
func NewPeerTable(peers []call.PeerStatus, maxRetry int) *PeerTable {
	return &PeerTable{peers: peers, maxRetry: maxRetry}
}

// View renders the table as a string
func (t *PeerTable) View() string {
	if len(t.peers) == 0 {
		return MutedStyle.Render("Nobody else is here yet")
	}

	headers := []string{"Peer", "State", "Retries", "Tracks", "Received"}

	rows := make([][]string, 0, len(t.peers))
	for _, p := range t.peers {
		name := p.DisplayName
		if name == "" {
			name = p.ID
		}
		retries := fmt.Sprintf("%d", p.RetryCount)
		if t.maxRetry > 0 {
			retries = fmt.Sprintf("%d/%d", p.RetryCount, t.maxRetry)
		}
		rows = append(rows, []string{
			truncateString(name, 24),
			peerState(p),
			retries,
			fmt.Sprintf("%d", p.Tracks),
			fmt.Sprintf("%s (%d pkts)", formatBytes(p.Bytes), p.Packets),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case col == 1:
				return stateStyle(t.peers[row])
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func stateStyle(p call.PeerStatus) lipgloss.Style {
	switch {
	case p.Unreachable || p.State == call.StateFailed:
		return PeerFailedStyle
	case p.State == call.StateConnected:
		return PeerConnectedStyle
	default:
		return PeerPendingStyle
	}
}

// peerState is the plain text state label for a peer.
func peerState(p call.PeerStatus) string {
	switch {
	case p.Unreachable:
		return "unreachable"
	case p.State == call.StateFailed && p.Reason != call.ReasonNone:
		return fmt.Sprintf("failed (%s)", p.Reason)
	case p.Reconnect && p.State != call.StateConnected:
		return "reconnecting"
	}
	return p.State.String()
}

type RoomInfo struct {
	RoomID   string
	RoomLink string
	Created  bool
}

func NewRoomInfo(roomID, roomLink string, created bool) *RoomInfo {
	return &RoomInfo{
		RoomID:   roomID,
		RoomLink: roomLink,
		Created:  created,
	}
}

func (r *RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	title := fmt.Sprintf("%s Joining Room", IconRoom)
	if r.Created {
		title = fmt.Sprintf("%s Room Created!", IconSuccess)
	}

	content := fmt.Sprintf("%s\n\n%s Room ID:    %s\n%s Room Link:  %s",
		title,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconWeb, MutedStyle.Render(r.RoomLink),
	)

	return boxStyle.Render(content)
}

func RenderRoomInfo(roomID, roomLink string, created bool) {
	fmt.Println(NewRoomInfo(roomID, roomLink, created).View())
}
