package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/paychat/chat-app/loadtest/client"
	"github.com/paychat/chat-app/loadtest/stats"
)

// pairResult tracks the outcome of a single chat pair's lifecycle.
type pairResult struct {
	chatStarted  bool
	msgSent      int64
	msgRecv      int64
	endedCleanly bool
	startLatency time.Duration
}

// runChat implements the full chat lifecycle load test. Each simulated pair
// goes through the complete flow: connect -> authenticate -> initiate_chat ->
// exchange messages (billing running against the initiator) -> end_chat. This
// test measures end-to-end latency and throughput for the entire paid chat
// experience, including the per-second billing load it generates.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs for full chat lifecycle")
	userBase := fs.Int64("user-base", 100000, "First user ID; pair i uses user-base+2i (initiator) and user-base+2i+1")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	startTimeout := fs.Duration("start-timeout", 15*time.Second, "Timeout waiting for chat_started")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (users %d..%d, ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *url, *userBase, *userBase+int64(totalClients)-1,
		*rampUp, *chatDuration, *msgInterval, *msgSize)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Connected clients indexed by pair slot: slot 2i is the initiator of
	// pair i, slot 2i+1 its counterpart. A nil entry means the connection or
	// handshake failed and that pair is skipped.
	var mu sync.Mutex
	slots := make([]*client.Client, totalClients)

	// Track whether ramp-up was interrupted so we can skip later phases.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect and authenticate all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			slot := launched
			userID := *userBase + int64(slot)
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, userID)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForAuth(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)
				collector.AddAuth(m.AuthLatency)

				mu.Lock()
				slots[slot] = c
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := 0
	for _, c := range slots {
		if c != nil {
			connectedCount++
		}
	}
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping chat phases.")
		cleanup(slots, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// A pair is runnable only if both of its slots connected.
	runnablePairs := 0
	for i := 0; i < *pairs; i++ {
		if slots[i*2] != nil && slots[i*2+1] != nil {
			runnablePairs++
		}
	}
	if runnablePairs == 0 {
		fmt.Println("No pairs could be formed — not enough connections.")
		cleanup(slots, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 + 3 + 4 — Start session, Chat, End (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2-4: Running %d chat pairs ---\n", runnablePairs)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, *pairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Generate message payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, runnablePairs, sent, recv, errs)
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	for i := 0; i < *pairs; i++ {
		i := i // capture loop variable
		initiator := slots[i*2]
		counterpart := slots[i*2+1]
		if initiator == nil || counterpart == nil {
			continue
		}

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger initiate_chat sends by 100ms between pairs so the
			// session creation burst does not trip the rate limiter.
			stagger := time.Duration(i) * 100 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, initiator, counterpart, *chatDuration, *msgInterval, *startTimeout,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successfulChats, startedChats int
	var totalSent, totalRecv int64
	var totalStartLatency time.Duration

	for _, r := range results {
		if r.endedCleanly {
			successfulChats++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.chatStarted {
			startedChats++
			totalStartLatency += r.startLatency
		}
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Successful chats:  %d / %d\n", successfulChats, runnablePairs)
	fmt.Printf("Sessions started:  %d / %d\n", startedChats, runnablePairs)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if startedChats > 0 {
		avgStart := totalStartLatency / time.Duration(startedChats)
		fmt.Printf("Avg start latency: %s\n", avgStart.Round(time.Millisecond))
	}
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(slots, &mu)
	scraper.Stop()
	collector.Report()
}

// runPair executes the full chat lifecycle for one pair of clients:
// initiate_chat -> exchange messages -> end_chat.
// It returns after the chat ends or the context is cancelled.
func runPair(
	ctx context.Context,
	initiator, counterpart *client.Client,
	chatDuration, msgInterval, startTimeout time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	// --- Phase 2: Session start ---

	// Channel to carry the session_id from chat_started.
	started := make(chan int64, 1)

	// Channels for message reception during chat phase.
	initiatorMsgRecv := make(chan struct{}, 100)
	counterpartMsgRecv := make(chan struct{}, 100)

	// Channels for chat_ended and points_exhausted notifications.
	chatEnded := make(chan struct{}, 2)

	// Both sides receive chat_started; either copy carries the session ID.
	onStarted := func(raw json.RawMessage) {
		var msg struct {
			SessionID int64 `json:"session_id"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.SessionID != 0 {
			select {
			case started <- msg.SessionID:
			default:
			}
		}
	}
	initiator.On(client.TypeChatStarted, onStarted)
	counterpart.On(client.TypeChatStarted, onStarted)

	// Register new_message handlers for both sides.
	initiator.On(client.TypeNewMessage, func(raw json.RawMessage) {
		totalMsgRecv.Add(1)
		select {
		case initiatorMsgRecv <- struct{}{}:
		default:
		}
	})
	counterpart.On(client.TypeNewMessage, func(raw json.RawMessage) {
		totalMsgRecv.Add(1)
		select {
		case counterpartMsgRecv <- struct{}{}:
		default:
		}
	})

	// chat_ended can arrive at either side; points_exhausted also terminates
	// the chat if the initiator's wallet runs dry mid-test.
	onEnded := func(raw json.RawMessage) {
		select {
		case chatEnded <- struct{}{}:
		default:
		}
	}
	initiator.On(client.TypeChatEnded, onEnded)
	counterpart.On(client.TypeChatEnded, onEnded)
	initiator.On(client.TypePointsExhausted, onEnded)

	startAt := time.Now()
	if err := initiator.InitiateChat(counterpart.UserID()); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for chat_started with the session ID.
	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	defer startCancel()

	var sessionID int64
	select {
	case sessionID = <-started:
	case <-startCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	result.chatStarted = true
	result.startLatency = time.Since(startAt)

	// --- Phase 3: Chat ---

	activePairCount.Add(1)
	defer activePairCount.Add(-1)

	chatCtx, chatCancel := context.WithTimeout(ctx, chatDuration)
	defer chatCancel()

	// Each client sends messages on its own ticker. We track approximate
	// message latency by recording the time of the last send on one side and
	// measuring until the next receive on the other side.
	var initiatorLastSend atomic.Int64 // unix nanoseconds of last send
	var counterpartLastSend atomic.Int64

	var chatWg sync.WaitGroup
	chatWg.Add(2)

	// Goroutine for the initiator sending messages.
	go func() {
		defer chatWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-chatCtx.Done():
				return
			case <-ticker.C:
				initiatorLastSend.Store(time.Now().UnixNano())
				if err := initiator.SendChatMessage(sessionID, msgPayload); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				result.msgSent++
			}
		}
	}()

	// Goroutine for the counterpart sending messages.
	go func() {
		defer chatWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-chatCtx.Done():
				return
			case <-ticker.C:
				counterpartLastSend.Store(time.Now().UnixNano())
				if err := counterpart.SendChatMessage(sessionID, msgPayload); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				result.msgSent++
			}
		}
	}()

	// Goroutines for both sides receiving messages and recording latency.
	chatWg.Add(2)
	go func() {
		defer chatWg.Done()
		for {
			select {
			case <-chatCtx.Done():
				return
			case <-initiatorMsgRecv:
				result.msgRecv++
				// Approximate latency: time since the counterpart's last send.
				if ts := counterpartLastSend.Load(); ts > 0 {
					collector.AddMsgLatency(time.Since(time.Unix(0, ts)))
				}
			}
		}
	}()
	go func() {
		defer chatWg.Done()
		for {
			select {
			case <-chatCtx.Done():
				return
			case <-counterpartMsgRecv:
				result.msgRecv++
				if ts := initiatorLastSend.Load(); ts > 0 {
					collector.AddMsgLatency(time.Since(time.Unix(0, ts)))
				}
			}
		}
	}()

	// Wait for the chat duration to expire.
	chatWg.Wait()

	// --- Phase 4: End Chat ---

	// Drain any chat_ended that arrived mid-chat (points_exhausted). In that
	// case the session is already over and our end_chat is a no-op.
	select {
	case <-chatEnded:
		result.endedCleanly = true
		return
	default:
	}

	if err := initiator.EndChat(sessionID); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for chat_ended on either side (with a short timeout).
	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	select {
	case <-chatEnded:
		result.endedCleanly = true
	case <-endCtx.Done():
		errorCount.Add(1)
		collector.AddError()
	}
}

// cleanup closes every connected client.
func cleanup(slots []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	closed := 0
	for _, c := range slots {
		if c != nil {
			c.Close()
			closed++
		}
	}
	fmt.Printf("\nClosed %d connections.\n", closed)
}
