package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"instancewatch.app/internal/observerproto"
)

func main() {
	var (
		url      = flag.String("url", "ws://127.0.0.1:8471/v1/ws", "watcherd observer ws url")
		entities = flag.Bool("entities", false, "request tracked-entity detail")
		once     = flag.Bool("once", false, "print the first state and exit")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[peek] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		IncludeEntities: *entities,
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	// The server disconnects sessions that stay read-idle for a minute.
	// Re-sending the unchanged subscription keeps a quiet session alive.
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	go func() {
		for range keepalive.C {
			if err := conn.WriteJSON(sub); err != nil {
				return
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var st observerproto.StateMsg
		if err := json.Unmarshal(msg, &st); err != nil || st.Type != observerproto.TypeState {
			continue
		}
		printState(&st)
		if *once {
			return
		}
	}
}

func printState(st *observerproto.StateMsg) {
	fmt.Printf("seq=%d phase=%s world=%s name=%q roster=%d", st.Seq, st.Phase, st.WorldID, st.WorldName, len(st.Roster))
	if st.SelectedGroupID != "" {
		fmt.Printf(" group=%s selected=%v", st.SelectedGroupID, st.IsSelectedGroup)
	}
	if c := st.Correlation; c != nil {
		fmt.Printf(" instance=%s count=%d", c.InstanceID, c.Count)
	}
	fmt.Println()
	for _, p := range st.Roster {
		fmt.Printf("  %-24s %s\n", p.DisplayName, p.UserID)
	}
	for _, e := range st.Entities {
		fmt.Printf("  [%s] %-24s id=%s rank=%s member=%v\n", e.Status, e.DisplayName, e.ID, e.Rank, e.IsGroupMember)
	}
}
