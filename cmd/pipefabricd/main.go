// Command pipefabricd is a runnable demonstration of the broker-mediated
// pipe multiplexer: it exercises the HELLO -> CONNECT_TO_PROCESS ->
// CONNECT_MESSAGE_PIPE handshake end-to-end and then round-trips a message
// over the resulting RoutedChannel. It is not a production transport --
// see SPEC_FULL.md's "Non-goals" -- just a harness to watch the protocol
// work, in the same spirit as cmd/demo-app.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/pipefabric/ipc"
	"github.com/gosuda/pipefabric/ipc/transport"
)

var (
	flagSweepInterval  time.Duration
	flagSweepThreshold time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pipefabricd",
	Short: "Demo harness for the cross-process message pipe multiplexer",
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a broker and two children in this process and round-trip one pipe",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&flagSweepInterval, "sweep-interval", 5*time.Second, "idle/leak sweep interval")
	demoCmd.Flags().DurationVar(&flagSweepThreshold, "sweep-threshold", 2*time.Second, "pending-message staleness threshold logged by the sweep")
	rootCmd.AddCommand(demoCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("pipefabricd exited with error")
	}
}

// runDemo wires up one broker and two children entirely in-process, using
// PipeTransport in place of a real OS transport. It reproduces section
// 4.3's control flow: each child HELLOs the broker, the broker introduces
// them with a fresh transport pair via CONNECT_TO_PROCESS, then tells each
// child which sibling holds the other end of a pipe via
// CONNECT_MESSAGE_PIPE. Once both dispatchers are bound, child A writes a
// message and child B's dispatcher observes it.
func runDemo(cmd *cobra.Command, args []string) error {
	runner := ipc.NewIOLoop(64)
	defer runner.Close()

	regA := ipc.NewRegistry(runner)
	regB := ipc.NewRegistry(runner)

	sweepA := ipc.NewPendingSweeper(regA, flagSweepInterval, flagSweepThreshold)
	sweepB := ipc.NewPendingSweeper(regB, flagSweepInterval, flagSweepThreshold)
	sweepA.Start()
	sweepB.Start()
	defer sweepA.Stop()
	defer sweepB.Stop()

	idA := ipc.NewProcessID()
	idB := ipc.NewProcessID()

	hostToA, aToHost := transport.NewPipeTransportPair()
	hostToB, bToHost := transport.NewPipeTransportPair()

	done := make(chan struct{})
	hostA := ipc.NewBrokerHost(hostToA, idA, func() { close(done) })
	hostB := ipc.NewBrokerHost(hostToB, idB, func() {})

	clientA := ipc.NewBrokerClient(aToHost, regA)
	clientB := ipc.NewBrokerClient(bToHost, regB)

	if err := clientA.Hello(idA); err != nil {
		return err
	}
	if err := clientB.Hello(idB); err != nil {
		return err
	}

	peerTransportForA, peerTransportForB := transport.NewPipeTransportPair()
	if err := hostA.ConnectToProcess(idB, peerTransportForA); err != nil {
		return err
	}
	if err := hostB.ConnectToProcess(idA, peerTransportForB); err != nil {
		return err
	}

	const pipeID = uint64(1)
	recvCh := make(chan []byte, 1)
	dispB := &demoDispatcher{onRead: func(payload []byte, _ []ipc.PlatformHandle) {
		recvCh <- payload
	}}
	if err := clientB.AwaitMessagePipe(pipeID, idA, dispB); err != nil {
		return err
	}

	dispA := &demoDispatcher{}
	if err := clientA.AwaitMessagePipe(pipeID, idB, dispA); err != nil {
		return err
	}
	if err := hostA.ConnectMessagePipe(pipeID, idB); err != nil {
		return err
	}
	if err := hostB.ConnectMessagePipe(pipeID, idA); err != nil {
		return err
	}

	rcA, ok := regA.Channel(idB)
	if !ok {
		log.Fatal().Msg("[pipefabricd] channel to peer B never attached")
	}

	payload := []byte("hello from A")
	if err := rcA.WriteMessage(pipeID, payload, nil); err != nil {
		return err
	}

	select {
	case got := <-recvCh:
		log.Info().Str("payload", string(got)).Msg("[pipefabricd] B received A's message")
	case <-time.After(5 * time.Second):
		log.Error().Msg("[pipefabricd] timed out waiting for round trip")
	}

	log.Info().Interface("stats_a", regA.Stats()).Interface("stats_b", regB.Stats()).Msg("[pipefabricd] final registry stats")
	return nil
}

// demoDispatcher is the minimal ipc.Dispatcher used by the demo: it
// forwards OnReadMessage to a callback and logs OnError.
type demoDispatcher struct {
	onRead func(payload []byte, handles []ipc.PlatformHandle)
}

func (d *demoDispatcher) OnReadMessage(payload []byte, handles []ipc.PlatformHandle) {
	if d.onRead != nil {
		d.onRead(payload, handles)
	}
}

func (d *demoDispatcher) OnError(err error) {
	log.Warn().Err(err).Msg("[pipefabricd] dispatcher OnError")
}
