// Command rsmcast-bench exercises the reliable sequenced multicast
// transport over real UDP multicast and, when the run ends, prints its
// write, byte and read counts, the send rate and the pending-commit count
// of a master change manager created beside it. No commits are fed into
// that change manager.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/rsmcast/internal/mastercm"
	"github.com/meshwire/rsmcast/pkg/rsm"
)

var (
	group    = flag.String("group", "224.0.1.17:7400", "multicast group address")
	iface    = flag.String("iface", "", "network interface to join on")
	duration = flag.Duration("duration", 5*time.Second, "how long to run")
	msgSize  = flag.Int("size", 4096, "bytes per write")
)

var (
	writesSent      = expvar.NewInt("rsmcast_writes_sent")
	bytesSent       = expvar.NewInt("rsmcast_bytes_sent")
	messagesRead    = expvar.NewInt("rsmcast_messages_read")
	currentSendRate = expvar.NewInt("rsmcast_send_rate")
)

type demoObject struct {
	applied int
}

func (o *demoObject) Unpack(data []byte) (interface{}, error) { return data, nil }
func (o *demoObject) NotifyNewVersion(v mastercm.Version, payload interface{}) {
	o.applied++
}
func (o *demoObject) Send(to mastercm.NodeID, data []byte) error { return nil }
func (o *demoObject) GetLocalNode() mastercm.NodeID              { return 1 }
func (o *demoObject) GetInstanceID() uint32                      { return 1 }
func (o *demoObject) GetID() uint32                              { return 1 }

func main() {
	flag.Parse()

	runID := uuid.New()
	logger := rsm.NewDefaultLogger()
	logger.Infof("starting run %s on group %s", runID, *group)

	cfg := rsm.Default()
	cfg.GroupAddress = *group
	cfg.Interface = *iface
	cfg.Logger = logger

	conn, err := rsm.Listen(cfg)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	if err := conn.AcceptSync(ctx); err != nil {
		logger.Warnf("discovery did not converge within run window: %v", err)
	}

	cm := mastercm.New(&demoObject{})
	defer cm.Close()

	go readLoop(ctx, conn)
	writeLoop(ctx, conn)

	stats := cm.Stats()
	fmt.Fprintf(os.Stdout, "run %s done: writes=%d bytes=%d reads=%d send_rate=%d pending_commits=%d\n",
		runID, writesSent.Value(), bytesSent.Value(), messagesRead.Value(), conn.GetSendRate(), stats.Pending)
}

func writeLoop(ctx context.Context, conn rsm.Connection) {
	payload := make([]byte, *msgSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := conn.Write(ctx, payload)
		if err != nil {
			return
		}
		writesSent.Add(1)
		bytesSent.Add(int64(n))
		currentSendRate.Set(int64(conn.GetSendRate()))
	}
}

func readLoop(ctx context.Context, conn rsm.Connection) {
	for {
		_, _, err := conn.ReadSync(ctx)
		if err != nil {
			return
		}
		messagesRead.Add(1)
	}
}
