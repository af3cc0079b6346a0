package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/platform/env"
	"github.com/todo-platform/eventcore/internal/platform/logging"
)

type config struct {
	GatewayBase    string
	Tasks          int
	Workers        int
	Duration       time.Duration
	EventsPerSec   float64
	RequestTimeout time.Duration
	DueSoonRatio   float64
	RecurringRatio float64
}

func loadConfig() config {
	return config{
		GatewayBase:    env.String("LOADGEN_GATEWAY_URL", "http://localhost:8080"),
		Tasks:          env.Int("LOADGEN_TASKS", 1000),
		Workers:        env.Int("LOADGEN_WORKERS", 8),
		Duration:       env.Duration("LOADGEN_DURATION", time.Minute),
		EventsPerSec:   float64(env.Int("LOADGEN_EVENTS_PER_SEC", 200)),
		RequestTimeout: env.Duration("LOADGEN_REQUEST_TIMEOUT", 5*time.Second),
		DueSoonRatio:   0.5,
		RecurringRatio: 0.2,
	}
}

type publishRequest struct {
	Type           string                    `json:"type"`
	TaskID         string                    `json:"task_id"`
	UserID         string                    `json:"user_id"`
	Title          string                    `json:"title"`
	DueDate        *time.Time                `json:"due_date,omitempty"`
	RecurrenceRule *contracts.RecurrenceRule `json:"recurrence_rule,omitempty"`
	PreviousStatus string                    `json:"previous_status,omitempty"`
	NewStatus      string                    `json:"new_status,omitempty"`
}

type generator struct {
	cfg    config
	client *http.Client
	logger *zap.Logger

	sent   atomic.Int64
	failed atomic.Int64

	mu    sync.Mutex
	tasks []string
}

func main() {
	cfg := loadConfig()
	logger := logging.NewDevelopment("load-generator")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	g := &generator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}

	interval := time.Duration(float64(time.Second) / (cfg.EventsPerSec / float64(cfg.Workers)))
	logger.Info("load generator starting",
		zap.String("gateway", cfg.GatewayBase),
		zap.Int("workers", cfg.Workers),
		zap.Float64("events_per_sec", cfg.EventsPerSec),
	)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					g.step(ctx, rng)
				}
			}
		}(i)
	}
	wg.Wait()

	logger.Info("load generator finished",
		zap.Int64("sent", g.sent.Load()),
		zap.Int64("failed", g.failed.Load()),
	)
}

// step publishes one randomly chosen lifecycle event, keeping a live task id
// pool so updates and completions hit tasks that exist.
func (g *generator) step(ctx context.Context, rng *rand.Rand) {
	var req publishRequest
	switch taskID, ok := g.randomTask(rng); {
	case !ok || rng.Float64() < 0.4:
		req = g.createRequest(rng)
	case rng.Float64() < 0.5:
		req = publishRequest{
			Type:   contracts.TaskUpdated,
			TaskID: taskID,
			UserID: fmt.Sprintf("user-%d", rng.Intn(100)),
			Title:  fmt.Sprintf("updated task %s", taskID),
		}
	default:
		req = publishRequest{
			Type:           contracts.TaskCompleted,
			TaskID:         taskID,
			UserID:         fmt.Sprintf("user-%d", rng.Intn(100)),
			PreviousStatus: "pending",
			NewStatus:      "completed",
		}
		g.removeTask(taskID)
	}

	if err := g.publish(ctx, req); err != nil {
		g.failed.Add(1)
		g.logger.Warn("publish failed", zap.String("type", req.Type), zap.Error(err))
		return
	}
	g.sent.Add(1)
}

func (g *generator) createRequest(rng *rand.Rand) publishRequest {
	taskID := "task-" + nuid.Next()
	req := publishRequest{
		Type:   contracts.TaskCreated,
		TaskID: taskID,
		UserID: fmt.Sprintf("user-%d", rng.Intn(100)),
		Title:  fmt.Sprintf("generated task %s", taskID),
	}
	if rng.Float64() < g.cfg.DueSoonRatio {
		due := time.Now().UTC().Add(time.Duration(rng.Intn(120)) * time.Minute)
		req.DueDate = &due
	}
	if rng.Float64() < g.cfg.RecurringRatio {
		req.RecurrenceRule = &contracts.RecurrenceRule{
			Frequency: []string{"daily", "weekly", "monthly"}[rng.Intn(3)],
			Interval:  1 + rng.Intn(3),
		}
	}
	g.addTask(taskID)
	return req
}

func (g *generator) publish(ctx context.Context, req publishRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.GatewayBase+"/api/v1/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

func (g *generator) addTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tasks) < g.cfg.Tasks {
		g.tasks = append(g.tasks, taskID)
	}
}

func (g *generator) randomTask(rng *rand.Rand) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tasks) == 0 {
		return "", false
	}
	return g.tasks[rng.Intn(len(g.tasks))], true
}

func (g *generator) removeTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, id := range g.tasks {
		if id == taskID {
			g.tasks[i] = g.tasks[len(g.tasks)-1]
			g.tasks = g.tasks[:len(g.tasks)-1]
			return
		}
	}
}
