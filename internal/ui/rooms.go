package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/warpcall/internal/wire"
	pretty "github.com/jedib0t/go-pretty/v6/table"
)

const maxNames = 3

// RoomsTableView renders rooms listed by the relay as a go-pretty table.
// Archived listings show when each room was closed instead of who is in it.
func RoomsTableView(title string, rooms []wire.RoomInfo, archived bool) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No rooms")
	}

	t := pretty.NewWriter()
	t.SetStyle(pretty.StyleRounded)
	t.SetTitle(title)

	if archived {
		t.AppendHeader(pretty.Row{"#", "Room", "Host", "Created", "Archived"})
	} else {
		t.AppendHeader(pretty.Row{"#", "Room", "Host", "In Call", "Created"})
	}

	active := 0
	for i, r := range rooms {
		host := r.HostID
		if host == "" {
			host = "-"
		}
		if archived {
			t.AppendRow(pretty.Row{i + 1, r.ID, host, formatTime(r.CreatedAt), formatTime(r.ArchivedAt)})
			continue
		}
		active += len(r.Participants)
		t.AppendRow(pretty.Row{i + 1, r.ID, host, participantNames(r), formatTime(r.CreatedAt)})
	}

	if archived {
		t.AppendFooter(pretty.Row{"", fmt.Sprintf("%d rooms", len(rooms))})
	} else {
		t.AppendFooter(pretty.Row{"", fmt.Sprintf("%d rooms", len(rooms)), "", fmt.Sprintf("%d in calls", active)})
	}

	return t.Render()
}

// RenderRooms prints a rooms table to stdout.
func RenderRooms(title string, rooms []wire.RoomInfo, archived bool) {
	fmt.Println(RoomsTableView(title, rooms, archived))
}

func participantNames(r wire.RoomInfo) string {
	if len(r.Participants) == 0 {
		return "-"
	}
	names := make([]string, 0, maxNames)
	for _, p := range r.Participants {
		if len(names) == maxNames {
			break
		}
		name := p.DisplayName
		if name == "" {
			name = p.ID
		}
		names = append(names, truncateString(name, 16))
	}
	out := strings.Join(names, ", ")
	if extra := len(r.Participants) - len(names); extra > 0 {
		out += fmt.Sprintf(" +%d", extra)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
