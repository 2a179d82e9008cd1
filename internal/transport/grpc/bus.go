package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GrpcBus publishes events to a remote EventService over gRPC.
// Used when BusProvider == "grpc" in config. Publish only enqueues; a single
// sender delivers in order so the archive sees entries as they were written.
type GrpcBus struct {
	conn   *grpc.ClientConn
	queue  chan *EventRequest
	logger *slog.Logger
	wg     sync.WaitGroup

	// mu guards closed so no send races the close of queue.
	mu     sync.RWMutex
	closed bool
}

var errBusClosed = errors.New("grpc bus: closed")

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string, bufferSize int, logger *slog.Logger) (*GrpcBus, func(), error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("grpc bus dial %s: %w", addr, err)
	}
	b := NewGrpcBus(conn, bufferSize, logger)
	cleanup := func() {
		b.Close()
		_ = conn.Close()
	}
	return b, cleanup, nil
}

func NewGrpcBus(conn *grpc.ClientConn, bufferSize int, logger *slog.Logger) *GrpcBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &GrpcBus{conn: conn, queue: make(chan *EventRequest, bufferSize), logger: logger}
	b.wg.Add(1)
	go b.run()
	return b
}

// Publish queues an event for the remote EventService. It fails instead of
// blocking when the buffer is full.
func (b *GrpcBus) Publish(topic string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: dropping event on %s", errBusClosed, topic)
	}
	select {
	case b.queue <- &EventRequest{Topic: topic, Payload: data}:
		return nil
	default:
		return fmt.Errorf("grpc bus: buffer full, dropping event on %s", topic)
	}
}

// Close stops accepting events and waits for the queued ones to be sent.
// Later calls are no-ops.
func (b *GrpcBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *GrpcBus) run() {
	defer b.wg.Done()
	for req := range b.queue {
		if err := b.send(req); err != nil {
			b.logger.Error("grpc bus: publish failed", "topic", req.Topic, "error", err)
		}
	}
}

func (b *GrpcBus) send(req *EventRequest) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var resp EventResponse
		lastErr = b.conn.Invoke(ctx, fullMethod(eventServiceName, "Publish"), req, &resp, grpc.CallContentSubtype(codecName))
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return lastErr
}
