// Command mirrorsyncdemo drives one end-to-end mirror-queue sync round
// for manual or integration exercise. The master side uses a durable
// RocksDB-backed queue when --rocks-path is set and a seeded in-memory
// queue otherwise; the membership bus is etcd-backed when
// --etcd-endpoint is set and in-process otherwise. Mirrors always use
// in-memory queues.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	clientv3 "go.etcd.io/etcd/client/v3"

	mirrorsync "github.com/fluxmq/mirrorsync"
	"github.com/fluxmq/mirrorsync/admin"
	"github.com/fluxmq/mirrorsync/bq"
	"github.com/fluxmq/mirrorsync/bq/memqueue"
	"github.com/fluxmq/mirrorsync/bq/rocksbq"
	"github.com/fluxmq/mirrorsync/membership"
	"github.com/fluxmq/mirrorsync/membership/etcdbus"
	"github.com/fluxmq/mirrorsync/membership/inproc"
)

// LogConfig mirrors the logging group every mirrorsync binary exposes.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" description:"Logging format (text, json)"`
}

func (c LogConfig) apply() {
	if lvl, err := logrus.ParseLevel(c.Level); err == nil {
		logrus.SetLevel(lvl)
	}
	if c.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

var config = new(struct {
	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdRun struct {
	RocksPath    string        `long:"rocks-path" description:"Directory for the RocksDB-backed master queue; an in-memory queue is used if empty."`
	EtcdEndpoint string        `long:"etcd-endpoint" description:"Etcd endpoint for the membership bus; an in-process bus is used if empty."`
	QueueName    string        `long:"queue" default:"demo" description:"Logical queue name, used as the etcd broadcast prefix."`
	Mirrors      int           `long:"mirrors" default:"2" description:"Number of candidate mirrors to spin up."`
	BatchSize    int           `long:"batch-size" default:"16" description:"Flush threshold B."`
	Seed         int           `long:"seed" default:"64" description:"Number of messages to seed the master queue with."`
	Timeout      time.Duration `long:"timeout" default:"30s" description:"Overall round timeout."`
}

// buildRound assembles the master, its candidate mirrors, and the bus
// and backing-queue resources behind them, shared by both the "run"
// and "serve" subcommands. The returned func releases those resources
// and must be called once the caller is done with the master.
func (cmd *cmdRun) buildRound() (*mirrorsync.Master, []*mirrorsync.MirrorBinding, func(), error) {
	var masterQueue bq.Queue
	if cmd.RocksPath != "" {
		var rq, err = rocksbq.Open(cmd.RocksPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening rocksbq at %s: %w", cmd.RocksPath, err)
		}
		masterQueue = rq
	} else {
		masterQueue = seedMemQueue(cmd.Seed)
	}

	var closers []func()
	var release = func() {
		for _, c := range closers {
			c()
		}
	}

	var bus membership.Bus
	if cmd.EtcdEndpoint != "" {
		var client, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{cmd.EtcdEndpoint},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dialing etcd at %s: %w", cmd.EtcdEndpoint, err)
		}
		closers = append(closers, func() { client.Close() })
		bus = etcdbus.New(client, "/mirrorsync/"+cmd.QueueName)
	} else {
		bus = inproc.New()
	}

	var bindings = make([]*mirrorsync.MirrorBinding, cmd.Mirrors)
	for i := range bindings {
		var id = mirrorsync.MirrorID(fmt.Sprintf("mirror-%d", i))
		bindings[i] = &mirrorsync.MirrorBinding{
			Replica:         mirrorsync.NewReplica(id),
			Queue:           memqueue.New(),
			Depth:           1, // non-zero: accept the round
			RefreshRamTimer: func() {},
		}
	}

	var master = mirrorsync.NewMaster(masterQueue, bus, mirrorsync.Hooks{
		EmitStats: func(s mirrorsync.Stats) {
			logrus.WithField("syncing", s.Syncing).Info("progress")
		},
	}, mirrorsync.MasterConfig{BatchSize: cmd.BatchSize})

	return master, bindings, release, nil
}

func reportRound(outcome mirrorsync.Outcome, bindings []*mirrorsync.MirrorBinding) {
	logrus.WithField("outcome", outcome.String()).Info("round finished")
	for _, b := range bindings {
		logrus.WithFields(logrus.Fields{
			"mirror":  b.Replica.ID(),
			"outcome": b.Outcome.String(),
			"acks":    len(b.AckMap),
		}).Info("mirror result")
	}
}

func (cmd *cmdRun) Execute([]string) error {
	var ctx, cancel = context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	var master, bindings, release, err = cmd.buildRound()
	if err != nil {
		return err
	}
	defer release()

	var outcome mirrorsync.Outcome
	outcome, err = master.SyncMirrors(ctx, bindings)
	reportRound(outcome, bindings)
	return err
}

// cmdServe runs the same round as cmdRun, but additionally exposes the
// admin control-plane service (cancel_sync_mirrors, set_maximum_since_use)
// over gRPC for the duration of the round, so an operator can cancel it
// or adjust its file-handle cache policy while it is in flight.
type cmdServe struct {
	cmdRun
	Listen string `long:"listen" default:":7777" description:"gRPC listen address for the admin control-plane service."`
}

func (cmd *cmdServe) Execute([]string) error {
	var ctx, cancel = context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	var master, bindings, release, err = cmd.buildRound()
	if err != nil {
		return err
	}
	defer release()

	var lis, listenErr = net.Listen("tcp", cmd.Listen)
	if listenErr != nil {
		return fmt.Errorf("listening on %s: %w", cmd.Listen, listenErr)
	}

	var grpcServer = grpc.NewServer()
	grpcServer.RegisterService(&admin.ServiceDesc, &admin.Service{Master: master})
	logrus.WithField("addr", cmd.Listen).Info("admin control-plane listening")

	go func() { _ = grpcServer.Serve(lis) }()
	defer grpcServer.GracefulStop()

	var outcome mirrorsync.Outcome
	outcome, err = master.SyncMirrors(ctx, bindings)
	reportRound(outcome, bindings)
	return err
}

func seedMemQueue(n int) *memqueue.Queue {
	var seed = make([]bq.Record, n)
	for i := range seed {
		seed[i] = bq.Record{
			Msg: bq.Msg{
				ID:      bq.MsgID(fmt.Sprintf("msg-%d", i)),
				Payload: []byte(fmt.Sprintf("payload-%d", i)),
			},
			Props: bq.Props{Priority: bq.Priority(i % 3)},
		}
	}
	return memqueue.New(seed...)
}

func main() {
	var parser = flags.NewParser(config, flags.Default)

	var _, err = parser.AddCommand("run", "Run one sync round",
		"Drive one master/syncer/mirror sync round to completion and print the outcome.", &cmdRun{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	_, err = parser.AddCommand("serve", "Run one sync round with the admin control-plane exposed",
		"Drive one master/syncer/mirror sync round to completion, exposing cancel_sync_mirrors "+
			"and set_maximum_since_use over gRPC for the duration of the round.", &cmdServe{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Apply logging options once they are parsed, before the chosen
	// subcommand runs.
	parser.CommandHandler = func(command flags.Commander, args []string) error {
		config.Log.apply()
		return command.Execute(args)
	}
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
