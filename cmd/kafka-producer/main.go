package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/brianvoe/gofakeit/v7"

	"github.com/blitzboard/blitzboard/internal/domain"
)

// demoTemplate is the configuration used when -api seeds the game
const demoTemplate = `{
	"attributes": {
		"kills":    {"weight": 0.5, "type": "int"},
		"accuracy": {"weight": 0.3, "type": "float"},
		"assists":  {"weight": 0.2, "type": "int"},
		"map":      {"weight": 0,   "type": "string"}
	},
	"keep_lower_scores": false,
	"allow_ties": true
}`

var maps = []string{"dust", "harbor", "citadel", "outpost", "glacier"}

func playerID(idx int) string {
	return fmt.Sprintf("player-%05d", idx)
}

// seed creates the demo game and its players through the HTTP API.
// Entities that already exist are left alone.
func seed(api, gameID string, players int, faker *gofakeit.Faker) error {
	client := &http.Client{Timeout: 10 * time.Second}
	post := func(path string, body any) error {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		resp, err := client.Post(api+path, "application/json", bytes.NewReader(data))
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
			return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
		}
		return nil
	}

	game := domain.CreateGameRequest{
		ID:     gameID,
		Name:   strings.ToUpper(gameID[:1]) + gameID[1:],
		Config: json.RawMessage(demoTemplate),
	}
	if err := post("/api/v1/games", game); err != nil {
		return fmt.Errorf("creating game: %w", err)
	}

	for i := 0; i < players; i++ {
		player := domain.CreatePlayerRequest{ID: playerID(i), Name: faker.Gamertag()}
		if err := post("/api/v1/players", player); err != nil {
			return fmt.Errorf("creating player %d: %w", i, err)
		}
	}
	return nil
}

// attributes produces a random attribute map. Lower indexes play better so
// the top of the board sees movement.
func attributes(faker *gofakeit.Faker, idx int) json.RawMessage {
	skill := 1.0
	if idx < 10 {
		skill = 2.0
	} else if idx < 50 {
		skill = 1.5
	}

	attrs := map[string]any{
		"kills":    int(float64(faker.IntRange(0, 40)) * skill),
		"accuracy": faker.Float64Range(0.1, 0.6) * skill,
		"assists":  faker.IntRange(0, 15),
		"map":      faker.RandomString(maps),
	}
	data, _ := json.Marshal(attrs)
	return data
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "score-submissions", "Kafka topic")
	gameID := flag.String("game", "arena", "Game ID")
	totalPlayers := flag.Int("players", 1000, "Total number of players")
	updatesPerSecond := flag.Int("rate", 100, "Submissions per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	api := flag.String("api", "", "Base URL of the server; when set the game and players are created first")
	seedValue := flag.Uint64("seed", 0, "Random seed (0 = time based)")
	flag.Parse()

	if *totalPlayers <= 20 {
		log.Fatalf("players must be greater than 20")
	}
	if *updatesPerSecond <= 0 {
		log.Fatalf("rate must be positive")
	}

	s := *seedValue
	if s == 0 {
		s = uint64(time.Now().UnixNano())
	}
	faker := gofakeit.New(s)

	brokerList := strings.Split(*brokers, ",")

	fmt.Printf("brokers=%s topic=%s game=%s players=%d rate=%d/s\n",
		*brokers, *topic, *gameID, *totalPlayers, *updatesPerSecond)

	if *api != "" {
		fmt.Printf("seeding game and %d players via %s\n", *totalPlayers, *api)
		if err := seed(strings.TrimRight(*api, "/"), *gameID, *totalPlayers, faker); err != nil {
			log.Fatalf("Failed to seed: %v", err)
		}
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount, sentCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Queued: %d, Sent: %d, Errors: %d\n",
			atomic.LoadInt64(&sentCount),
			atomic.LoadInt64(&successCount),
			atomic.LoadInt64(&errorCount),
		)
	}

	ticker := time.NewTicker(time.Second / time.Duration(*updatesPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-deadline:
			shutdown("Duration reached")
			return

		case <-ticker.C:
			// 70% of submissions go to the top 20 players
			var idx int
			if faker.IntRange(0, 99) < 70 {
				idx = faker.IntRange(0, 19)
			} else {
				idx = faker.IntRange(20, *totalPlayers-1)
			}

			submission := domain.ScoreSubmission{
				GameID:     *gameID,
				PlayerID:   playerID(idx),
				Attributes: attributes(faker, idx),
			}
			data, err := json.Marshal(submission)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(submission.GameID + "/" + submission.PlayerID),
				Value: sarama.ByteEncoder(data),
			}
			atomic.AddInt64(&sentCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Queued: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&sentCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
