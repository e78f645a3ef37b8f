package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teranos/scry/server/wslogs"
)

// ============================================================================
// Fire Drill Test Universe
// ============================================================================
//
// Characters:
//   - The Crier: shouts at every connected client (broadcastMessage,
//     broadcastUsageUpdate, and the dispatch broadcast channel)
//   - The Revolving Door: clients walking out mid-shout (unregister)
//
// Theme: a client leaving while the crier is mid-sentence must never send
// on a closed channel. None of these tests assert anything directly; they
// exist to panic or trip the race detector when the hub regresses:
//
//	go test -race ./server
// ============================================================================

// runningServer stands up a hub over a throwaway database and sets it running.
func runningServer(t *testing.T) *ScryServer {
	t.Helper()
	db := createTestDB(t)

	srv, err := NewServer(db, ":memory:", 0)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	go srv.Run()
	return srv
}

// wiredClient builds a client whose channels hold buffer messages before a
// sender would block. Small buffers make the races much easier to hit.
func wiredClient(srv *ScryServer, id string, buffer int) *Client {
	return &Client{
		server:  srv,
		send:    make(chan *DispatchCompleteMessage, buffer),
		sendLog: make(chan *wslogs.Batch, buffer),
		sendMsg: make(chan interface{}, buffer),
		id:      id,
	}
}

// checkInCrowd registers n clients and gives the hub a beat to process
// the registrations before the drill starts.
func checkInCrowd(t *testing.T, srv *ScryServer, prefix string, n, buffer int) []*Client {
	t.Helper()
	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = wiredClient(srv, fmt.Sprintf("%s_c%d", prefix, i), buffer)
		srv.register <- clients[i]
	}
	time.Sleep(20 * time.Millisecond)
	return clients
}

func TestCrierVsRevolvingDoor(t *testing.T) {
	srv := runningServer(t)

	for round := 0; round < 10; round++ {
		clients := checkInCrowd(t, srv, fmt.Sprintf("%s_r%d", t.Name(), round), 50, 256)

		var wg sync.WaitGroup
		stop := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					srv.broadcastMessage(map[string]interface{}{
						"type":  "drill",
						"round": round,
					})
					time.Sleep(100 * time.Microsecond)
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, c := range clients {
				srv.unregister <- c
				time.Sleep(50 * time.Microsecond)
			}
		}()

		// Keep shouting while the room empties
		time.Sleep(50 * time.Millisecond)
		close(stop)
		wg.Wait()
	}
}

// The door slams right after the first shout: one client, a one-slot
// buffer, and an unregister racing a hundred rapid broadcasts.
func TestCrierVsSlammingDoor(t *testing.T) {
	srv := runningServer(t)

	for round := 0; round < 50; round++ {
		client := wiredClient(srv, fmt.Sprintf("%s_r%d", t.Name(), round), 1)
		srv.register <- client
		time.Sleep(5 * time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for seq := 0; seq < 100; seq++ {
				srv.broadcastMessage(map[string]interface{}{
					"type": "drill",
					"seq":  seq,
				})
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Microsecond)
			srv.unregister <- client
		}()

		wg.Wait()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUsageCrierVsWalkouts(t *testing.T) {
	srv := runningServer(t)

	for round := 0; round < 20; round++ {
		clients := checkInCrowd(t, srv, fmt.Sprintf("%s_r%d", t.Name(), round), 20, 256)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				srv.broadcastUsageUpdate()
				time.Sleep(100 * time.Microsecond)
			}
		}()
		go func() {
			defer wg.Done()
			for _, c := range clients {
				srv.unregister <- c
				time.Sleep(200 * time.Microsecond)
			}
		}()
		wg.Wait()
	}
}

// The dispatch path fans out through client.send rather than sendMsg, so
// it gets its own drill with deliberately cramped buffers.
func TestDispatchCrierVsWalkouts(t *testing.T) {
	srv := runningServer(t)

	for round := 0; round < 30; round++ {
		clients := checkInCrowd(t, srv, fmt.Sprintf("%s_r%d", t.Name(), round), 30, 2)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				srv.broadcast <- &DispatchCompleteMessage{
					Type:  "dispatch_complete",
					RunID: fmt.Sprintf("drill_%d", i),
				}
				time.Sleep(100 * time.Microsecond)
			}
		}()
		go func() {
			defer wg.Done()
			for _, c := range clients {
				srv.unregister <- c
			}
		}()

		wg.Wait()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFiveCriersOneDoor(t *testing.T) {
	srv := runningServer(t)

	client := wiredClient(srv, "five_criers_one_door", 10)
	srv.register <- client
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for crier := 0; crier < 5; crier++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := 0; seq < 100; seq++ {
				srv.broadcastMessage(map[string]interface{}{
					"type":  "drill",
					"crier": crier,
					"seq":   seq,
				})
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		srv.unregister <- client
	}()

	wg.Wait()
}
