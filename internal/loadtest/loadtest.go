// Package loadtest exercises the conversation cache under concurrent
// readers and concurrent mark-as-read callers.
//
// Reads measure GetRecentConversations latency against a populated cache.
// Marks hammer every message from many goroutines at once and verify that
// the read tracker lets at most one remote update through per message.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/readtracker"
	"github.com/voxline/voxsync/internal/remote"
	"github.com/voxline/voxsync/internal/repository"
	"github.com/voxline/voxsync/internal/schema"
)

// TestCache is a populated cache wired to an in-memory backend.
type TestCache struct {
	DB      *db.DB
	Repo    *repository.Repository
	Remote  *remote.Memory
	Tracker *readtracker.Tracker

	ConversationIDs []string
	MessageIDs      []string
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// MarkResult reports a concurrent mark-as-read run.
type MarkResult struct {
	Latency     *LatencyStats
	Messages    int
	RemoteCalls int
	Failed      int
}

// CreateTestCache creates a cache at dbPath holding numConversations
// conversations of messagesPerConversation unread messages each. The same
// data is loaded into the in-memory backend so remote updates succeed.
func CreateTestCache(dbPath string, numConversations, messagesPerConversation int) (*TestCache, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database.RawDB().SetMaxOpenConns(64)
	database.RawDB().SetMaxIdleConns(16)
	database.RawDB().SetConnMaxLifetime(10 * time.Minute)

	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	quiet := log.New(io.Discard, "", 0)
	api := remote.NewMemory()
	// The window outlasts any run so every repeat mark is a dedup hit.
	tracker := readtracker.New(api.UpdateMessageRead,
		readtracker.WithLogger(quiet),
		readtracker.WithWindow(time.Hour))

	tc := &TestCache{
		DB:      database,
		Repo:    repository.New(database, quiet, repository.WithTracker(tracker)),
		Remote:  api,
		Tracker: tracker,
	}

	ctx := context.Background()
	for _, conv := range generateConversations(numConversations, messagesPerConversation) {
		if err := tc.Repo.SaveConversation(ctx, conv); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to insert conversation %s: %w", conv.ConversationID, err)
		}
		api.PutConversation(conv)
		tc.ConversationIDs = append(tc.ConversationIDs, conv.ConversationID)
		for _, m := range conv.Messages {
			tc.MessageIDs = append(tc.MessageIDs, m.MessageID)
		}
	}

	return tc, nil
}

// Close closes the test database connection.
func (tc *TestCache) Close() error {
	if tc.DB != nil {
		return tc.DB.Close()
	}
	return nil
}

// RunConcurrentReads runs numClients goroutines each loading the recent
// conversation list queriesPerClient times.
func (tc *TestCache) RunConcurrentReads(numClients, queriesPerClient int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numClients)
	errorsChan := make(chan error, numClients)

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, queriesPerClient)
			ctx := context.Background()

			for j := 0; j < queriesPerClient; j++ {
				start := time.Now()
				convs, err := tc.Repo.GetRecentConversations(ctx, 50)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("client %d query %d failed: %w", clientID, j, err)
					return
				}
				if len(convs) == 0 && len(tc.ConversationIDs) > 0 {
					errorsChan <- fmt.Errorf("client %d query %d returned no conversations", clientID, j)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for range errorsChan {
		errorCount++
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// RunConcurrentMarks has numClients goroutines mark every message read at
// the same time. It fails if any message was sent to the backend more than
// once or is left unread in the cache.
func (tc *TestCache) RunConcurrentMarks(numClients int) (*MarkResult, error) {
	before := tc.Remote.Calls(remote.OpUpdateMessageRead)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		failed    int
	)
	start := make(chan struct{})

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			<-start

			ctx := context.Background()
			local := make([]time.Duration, 0, len(tc.MessageIDs))
			localFailed := 0
			// Each client walks the ids from a different offset so clients
			// collide on different messages.
			for k := range tc.MessageIDs {
				id := tc.MessageIDs[(k+offset)%len(tc.MessageIDs)]
				t0 := time.Now()
				if !tc.Repo.MarkAsRead(ctx, id) {
					localFailed++
				}
				local = append(local, time.Since(t0))
			}

			mu.Lock()
			durations = append(durations, local...)
			failed += localFailed
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()

	res := &MarkResult{
		Latency:     computeLatencyStats(durations),
		Messages:    len(tc.MessageIDs),
		RemoteCalls: tc.Remote.Calls(remote.OpUpdateMessageRead) - before,
		Failed:      failed,
	}
	res.Latency.Errors = failed

	if res.RemoteCalls > res.Messages {
		return res, fmt.Errorf("backend saw %d read updates for %d messages", res.RemoteCalls, res.Messages)
	}
	stats, err := tc.DB.Stats(context.Background())
	if err != nil {
		return res, err
	}
	if stats.Unread != 0 {
		return res, fmt.Errorf("%d messages still unread after marking", stats.Unread)
	}
	return res, nil
}

// generateConversations builds conversations between rotating pairs of
// users with messages spaced a second apart.
func generateConversations(count, perConversation int) []*schema.Conversation {
	users := []string{"ana", "ben", "cleo", "dev", "eli", "fay"}
	baseTime := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Millisecond)

	convs := make([]*schema.Conversation, count)
	for i := 0; i < count; i++ {
		a := users[i%len(users)]
		b := users[(i+1+i/len(users))%len(users)]
		if a == b {
			b = users[(i+2)%len(users)]
		}
		id := fmt.Sprintf("conv-%05d", i)

		conv := &schema.Conversation{
			ConversationID: id,
			UIDs:           []string{a, b},
			CreatedAt:      baseTime,
		}
		for j := 0; j < perConversation; j++ {
			sender := a
			if j%2 == 1 {
				sender = b
			}
			conv.Messages = append(conv.Messages, schema.Message{
				MessageID:      fmt.Sprintf("%s-msg-%04d", id, j),
				ConversationID: id,
				Timestamp:      baseTime.Add(time.Duration(i*perConversation+j) * time.Second),
				UID:            sender,
				AudioURL:       fmt.Sprintf("https://media.example/%s/%d.m4a", id, j),
			})
		}
		convs[i] = conv
	}
	return convs
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// Fprint writes the statistics in a readable block.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
