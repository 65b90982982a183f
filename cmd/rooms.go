package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/store"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/BioHazard786/warpcall/internal/wire"
	"github.com/spf13/cobra"
)

const listTimeout = 10 * time.Second

var (
	flagRoomsArchived bool
	flagRoomsLocal    bool
	flagRoomsDB       string
)

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	Aliases: []string{"ls"},
	Short:   "List active and archived rooms",
	Long: `List the rooms a relay currently holds, or the rooms it has archived.
With --local the database file is read directly.

Examples:
  warpcall rooms
  warpcall rooms --archived
  warpcall rooms --server ws://127.0.0.1:8080/ws
  warpcall rooms --local --db ./calls.db`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRooms(cmd.Context())
	},
}

func listRooms(ctx context.Context) error {
	cfg, err := LoadConfig(config.Options{
		Domain:    flagDomain,
		ServerURL: flagServer,
		StorePath: flagRoomsDB,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	stopSpinner := ui.RunSpinner("Fetching rooms...")
	defer stopSpinner()

	var rooms []wire.RoomInfo
	if flagRoomsLocal {
		rooms, err = storedRooms(ctx, cfg.StorePath, flagRoomsArchived)
	} else {
		rooms, err = fetchRooms(ctx, cfg.WebSocketURL, flagRoomsArchived)
	}
	if err != nil {
		return err
	}
	stopSpinner()

	title := ui.IconRoom + " Active Rooms"
	if flagRoomsArchived {
		title = ui.IconArchive + " Archived Rooms"
	}
	fmt.Println()
	ui.RenderRooms(title, rooms, flagRoomsArchived)
	return nil
}

func fetchRooms(ctx context.Context, wsURL string, archived bool) ([]wire.RoomInfo, error) {
	base, err := httpBase(wsURL)
	if err != nil {
		return nil, err
	}
	endpoint := base + "/rooms"
	if archived {
		endpoint += "/archive"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, call.NewError("fetch rooms", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, call.WrapError("fetch rooms", fmt.Errorf("relay returned %s", resp.Status), body.Error)
	}

	var rooms []wire.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, call.NewError("decode rooms", err)
	}
	return rooms, nil
}

func storedRooms(ctx context.Context, path string, archived bool) ([]wire.RoomInfo, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, call.NewError("open store", err)
	}
	defer st.Close()

	recs, err := st.ListRooms(ctx, archived)
	if err != nil {
		return nil, call.NewError("list rooms", err)
	}
	rooms := make([]wire.RoomInfo, 0, len(recs))
	for _, rec := range recs {
		rooms = append(rooms, rec.Info())
	}
	return rooms, nil
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom domain")
	roomsCmd.Flags().StringVar(&flagServer, "server", "", "Relay websocket URL (overrides --domain)")
	roomsCmd.Flags().BoolVarP(&flagRoomsArchived, "archived", "a", false, "List archived rooms")
	roomsCmd.Flags().BoolVar(&flagRoomsLocal, "local", false, "Read the database file instead of asking the relay")
	roomsCmd.Flags().StringVar(&flagRoomsDB, "db", "", "Database file for --local")
}
