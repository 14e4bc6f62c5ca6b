package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/zephyrlog/internal/logging"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
	"github.com/ryandielhenn/zephyrlog/pkg/transport"
)

// nopHandler ignores whatever the target sends back.
type nopHandler struct{}

func (nopHandler) ConnOpened(*transport.Conn) {}
func (nopHandler) ConnClosed(*transport.Conn) {}
func (nopHandler) HandleFrame(*transport.Conn, message.Type, []byte) message.Result {
	return message.Normal()
}

func main() {
	addr := flag.String("addr", "localhost:4440", "node transport address")
	n := flag.Int("n", 50000, "SHUTDOWN messages")
	conc := flag.Int("c", 8, "connections")
	index := flag.Uint("index", 1000, "node index to present as")
	proto := flag.Uint("proto", uint(protocol.Latest), "highest protocol version to offer")
	flag.Parse()

	logger, err := logging.New("warn", "console")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	instance := message.NewServerInstanceID(time.Now())
	tr, err := transport.New(transport.Identity{
		Role:     transport.RoleNode,
		Node:     message.NodeID{Index: message.NodeIndex(*index), Generation: 1},
		Instance: instance,
		Protos:   protocol.Range{Min: protocol.MinSupported, Max: protocol.Version(*proto)},
	}, nopHandler{}, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conns := make([]*transport.Conn, *conc)
	for i := range conns {
		c, err := tr.Dial(ctx, *addr)
		if err != nil {
			log.Fatal(err)
		}
		conns[i] = c
	}
	fmt.Printf("connected %d x %s to node %s at %s\n", len(conns), conns[0].Proto(), conns[0].Remote(), *addr)

	msg := message.NewShutdown(instance)
	var failed atomic.Int64
	wg := sync.WaitGroup{}
	start := time.Now()
	for i, c := range conns {
		count := *n / len(conns)
		if i < *n%len(conns) {
			count++
		}
		wg.Add(1)
		go func(c *transport.Conn, count int) {
			defer wg.Done()
			for j := 0; j < count; j++ {
				if err := c.Send(msg); err != nil {
					failed.Add(1)
					return
				}
			}
		}(c, count)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Sent %d SHUTDOWN frames in %s (%.2f msgs/s), %d connections failed\n",
		*n, dur, float64(*n)/dur.Seconds(), failed.Load())
}
