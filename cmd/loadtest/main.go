// Command loadtest drives a drift server with many concurrent WebSocket
// clients posting, reading, and marking messages, and reports throughput
// and delivery latency.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/driftmsg/drift/pkg/client"
	"github.com/driftmsg/drift/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

type stats struct {
	sent       atomic.Int64
	received   atomic.Int64
	errors     atomic.Int64
	latencySum atomic.Int64 // microseconds, own-echo round trips
	latencyN   atomic.Int64
}

func randomContent(rng *rand.Rand) string {
	n := 3 + rng.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rng.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// runClient is one simulated user: authenticate, subscribe, then post at
// the configured rate while consuming every push
func runClient(userID int64, addr string, channels []int64, msgInterval time.Duration, st *stats, shutdown <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(userID))
	conn, err := client.Dial(addr)
	if err != nil {
		log.Printf("client %d: dial failed: %v", userID, err)
		st.errors.Add(1)
		return
	}
	defer conn.Close()

	if err := conn.Authenticate(userID); err != nil {
		st.errors.Add(1)
		return
	}
	for _, ch := range channels {
		if err := conn.Subscribe(ch); err != nil {
			st.errors.Add(1)
			return
		}
	}

	// Track in-flight sends by localId so the author echo yields latency
	inflight := make(map[string]time.Time)
	var inflightMu sync.Mutex

	go func() {
		for env := range conn.Events() {
			st.received.Add(1)
			if env.Type != protocol.TypeMessage {
				continue
			}
			var record protocol.MessageRecord
			if err := json.Unmarshal(env.Payload, &record); err != nil {
				continue
			}
			if record.AuthorID != userID || record.LocalID == "" {
				continue
			}
			inflightMu.Lock()
			if sentAt, ok := inflight[record.LocalID]; ok {
				delete(inflight, record.LocalID)
				st.latencySum.Add(time.Since(sentAt).Microseconds())
				st.latencyN.Add(1)
			}
			inflightMu.Unlock()
		}
	}()

	ticker := time.NewTicker(msgInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			seq++
			localID := fmt.Sprintf("lt-%d-%d", userID, seq)
			channelID := channels[rng.Intn(len(channels))]

			inflightMu.Lock()
			inflight[localID] = time.Now()
			inflightMu.Unlock()

			if err := conn.SendMessage(channelID, randomContent(rng), nil, localID); err != nil {
				st.errors.Add(1)
				return
			}
			st.sent.Add(1)

			// Occasionally clear the backlog like a real reader would
			if seq%10 == 0 {
				if err := conn.MarkAllRead(channelID); err != nil {
					st.errors.Add(1)
					return
				}
			}
		}
	}
}

func main() {
	addr := flag.String("addr", "localhost:8080", "server host:port")
	numClients := flag.Int("clients", 50, "concurrent clients")
	msgRate := flag.Float64("rate", 0.5, "messages per second per client")
	channelList := flag.String("channels", "1,2", "comma-separated channel IDs to use")
	duration := flag.Duration("duration", 0, "stop after this long (0 = run until interrupted)")
	flag.Parse()

	var channels []int64
	for _, part := range strings.Split(*channelList, ",") {
		var id int64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &id); err != nil || id <= 0 {
			log.Fatalf("bad channel ID %q", part)
		}
		channels = append(channels, id)
	}
	if len(channels) == 0 {
		log.Fatal("no channels given")
	}

	msgInterval := time.Duration(float64(time.Second) / *msgRate)
	log.Printf("Starting %d clients against %s (one message per %v per client, channels %v)",
		*numClients, *addr, msgInterval, channels)

	st := &stats{}
	shutdown := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go runClient(int64(i+1), *addr, channels, msgInterval, st, shutdown, &wg)
		// Stagger connects so the server doesn't see a thundering herd
		time.Sleep(10 * time.Millisecond)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	start := time.Now()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	report := func() {
		elapsed := time.Since(start).Seconds()
		sent := st.sent.Load()
		received := st.received.Load()
		var avgLatency time.Duration
		if n := st.latencyN.Load(); n > 0 {
			avgLatency = time.Duration(st.latencySum.Load()/n) * time.Microsecond
		}
		log.Printf("sent=%d (%.1f/s) received=%d errors=%d echo-latency=%v",
			sent, float64(sent)/elapsed, received, st.errors.Load(), avgLatency)
	}

	running := true
	for running {
		select {
		case <-ticker.C:
			report()
		case <-timeout:
			running = false
		case sig := <-sigCh:
			log.Printf("Received %v, stopping", sig)
			running = false
		}
	}

	close(shutdown)
	wg.Wait()
	report()
}
