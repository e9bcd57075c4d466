package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/groupchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// Stats is what the reporter goroutine prints every few seconds.
type Stats struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	sendFailures     atomic.Int64
	connectionErrors atomic.Int64
	kicked           atomic.Int64
	errorsReceived   atomic.Int64
}

// BotClient is one simulated chat user over TCP.
type BotClient struct {
	id       int
	identity protocol.Identity
	group    string
	conn     net.Conn
	reader   *bufio.Reader
	stats    *Stats
}

func NewBotClient(id int, group string, stats *Stats) *BotClient {
	return &BotClient{
		id: id,
		identity: protocol.Identity{
			ID:          fmt.Sprintf("bot-%d", id),
			DisplayName: fmt.Sprintf("Bot %d", id),
		},
		group: group,
		stats: stats,
	}
}

func (bc *BotClient) Connect(serverAddr string) error {
	conn, err := net.DialTimeout("tcp", serverAddr, 5*time.Second)
	if err != nil {
		bc.stats.connectionErrors.Add(1)
		return fmt.Errorf("dial: %w", err)
	}
	bc.conn = conn
	bc.reader = bufio.NewReader(conn)

	claim, _ := json.Marshal(protocol.IdentityClaim{
		UserID:   bc.identity.ID,
		Username: bc.identity.DisplayName,
	})
	if err := bc.sendRaw(claim); err != nil {
		bc.stats.connectionErrors.Add(1)
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	if err := bc.send(&protocol.Envelope{Type: protocol.TypeGroupJoin, To: bc.group}); err != nil {
		bc.stats.connectionErrors.Add(1)
		conn.Close()
		return fmt.Errorf("join: %w", err)
	}

	return nil
}

func (bc *BotClient) sendRaw(data []byte) error {
	_, err := bc.conn.Write(append(data, '\n'))
	return err
}

func (bc *BotClient) send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return bc.sendRaw(data)
}

// readLoop drains incoming traffic and counts it.
func (bc *BotClient) readLoop() {
	for {
		line, err := bc.reader.ReadBytes('\n')
		if err != nil {
			return
		}
		env, err := protocol.Decode(line)
		if err != nil {
			continue
		}
		bc.stats.messagesReceived.Add(1)
		switch env.Type {
		case protocol.TypeKickOut:
			bc.stats.kicked.Add(1)
		case protocol.TypeError:
			bc.stats.errorsReceived.Add(1)
		}
	}
}

// chatLoop posts random lorem messages at the given rate until stop closes.
func (bc *BotClient) chatLoop(rate float64, stop <-chan struct{}) {
	interval := time.Duration(float64(time.Second) / rate)
	// Jitter the start so bots don't post in lockstep.
	time.Sleep(time.Duration(rand.Int63n(int64(interval) + 1)))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-stop:
			return
		case <-heartbeat.C:
			bc.send(&protocol.Envelope{Type: protocol.TypeHeartbeat})
		case <-ticker.C:
			wordCount := 3 + rand.Intn(15)
			words := make([]string, wordCount)
			for i := range words {
				words[i] = loremWords[rand.Intn(len(loremWords))]
			}

			err := bc.send(&protocol.Envelope{
				Type:    protocol.TypeGroupMessage,
				To:      bc.group,
				Content: strings.Join(words, " "),
			})
			if err != nil {
				bc.stats.sendFailures.Add(1)
				return
			}
			bc.stats.messagesSent.Add(1)
		}
	}
}

func (bc *BotClient) Close() {
	if bc.conn != nil {
		bc.conn.Close()
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:6789", "Server TCP address")
	numClients := flag.Int("clients", 100, "Number of simulated clients")
	numGroups := flag.Int("groups", 10, "Number of groups to spread clients over")
	rate := flag.Float64("rate", 0.5, "Messages per second per client")
	duration := flag.Duration("duration", 0, "How long to run (0 = until interrupted)")
	flag.Parse()

	stats := &Stats{}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	log.Printf("Starting %d clients across %d groups against %s", *numClients, *numGroups, *serverAddr)

	bots := make([]*BotClient, 0, *numClients)
	for i := 0; i < *numClients; i++ {
		group := fmt.Sprintf("load-%d", i%*numGroups)
		bot := NewBotClient(i, group, stats)
		if err := bot.Connect(*serverAddr); err != nil {
			log.Printf("Bot %d failed to connect: %v", i, err)
			continue
		}
		bots = append(bots, bot)

		wg.Add(2)
		go func() {
			defer wg.Done()
			bot.readLoop()
		}()
		go func() {
			defer wg.Done()
			bot.chatLoop(*rate, stop)
		}()

		// Stagger connections to avoid an accept stampede.
		time.Sleep(5 * time.Millisecond)
	}

	log.Printf("%d/%d clients connected", len(bots), *numClients)

	reporterStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastSent, lastReceived int64
		for {
			select {
			case <-reporterStop:
				return
			case <-ticker.C:
				sent := stats.messagesSent.Load()
				received := stats.messagesReceived.Load()
				log.Printf("[STATS] sent: %d (+%d), received: %d (+%d), send failures: %d, conn errors: %d, kicked: %d, errors: %d",
					sent, sent-lastSent,
					received, received-lastReceived,
					stats.sendFailures.Load(),
					stats.connectionErrors.Load(),
					stats.kicked.Load(),
					stats.errorsReceived.Load())
				lastSent, lastReceived = sent, received
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if *duration > 0 {
		select {
		case <-time.After(*duration):
			log.Printf("Duration elapsed, stopping...")
		case sig := <-sigCh:
			log.Printf("Received %v, stopping...", sig)
		}
	} else {
		sig := <-sigCh
		log.Printf("Received %v, stopping...", sig)
	}

	close(stop)
	for _, bot := range bots {
		bot.Close()
	}
	wg.Wait()
	close(reporterStop)

	sent := stats.messagesSent.Load()
	received := stats.messagesReceived.Load()
	log.Printf("Final: sent %d, received %d, send failures %d, connection errors %d",
		sent, received, stats.sendFailures.Load(), stats.connectionErrors.Load())
}
