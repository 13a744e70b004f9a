package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/events"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
	"github.com/billm/baaaht/forknode/pkg/worker"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if g := out.GetGauge(); g != nil {
		return g.GetValue()
	}
	return out.GetCounter().GetValue()
}

func runCommands(names ...string) []*types.Command {
	cmds := make([]*types.Command, 0, len(names)+1)
	for _, name := range names {
		cmds = append(cmds, types.NewCommand(types.CommandRun, name))
	}
	return append(cmds, types.NewCommand(types.CommandTestSetFinished, ""))
}

func TestForkRunsWorkerToBye(t *testing.T) {
	for _, tc := range []struct{ transport, codec string }{
		{config.TransportTCP, config.CodecJSONLines},
		{config.TransportTCP, config.CodecLengthPrefixed},
		{config.TransportPipe, config.CodecJSONLines},
		{config.TransportPipe, config.CodecLengthPrefixed},
	} {
		t.Run(tc.transport+"/"+tc.codec, func(t *testing.T) {
			launcher := &inProcessLauncher{handler: newTestWorkerExecutor}
			f := newTestForker(t, newTestConfig(tc.transport, tc.codec), launcher)
			collector := events.NewCollector()

			cmds := runCommands("pass", "chatty", "fail")
			res, err := f.Fork(testContext(t), 5, cmds, collector)
			require.NoError(t, err)

			assert.True(t, res.SaidBye)
			assert.NoError(t, res.ExitErr)
			assert.True(t, res.Clean())
			assert.Equal(t, types.ForkChannelID(5), res.ID)
			// the plan, then shutdown and bye-ack
			assert.Equal(t, len(cmds)+2, res.Commands)
			assert.Equal(t, len(collector.Events()), res.Events)
			assert.Equal(t, ipc.ReasonEOF, res.WriterReason)
			assert.Equal(t, ipc.ReasonEOF, res.ReaderReason)

			summary := collector.Summary()
			assert.Equal(t, 2, summary.Succeeded)
			assert.Equal(t, 1, summary.Failed)
			assert.Equal(t, 1, collector.Count(types.EventStdout))
			assert.Equal(t, 1, collector.Count(types.EventWorkerBye))

			kinds := make([]types.EventKind, 0)
			for _, ev := range collector.ForFork(5) {
				kinds = append(kinds, ev.Kind)
			}
			require.NotEmpty(t, kinds)
			assert.Equal(t, types.EventTestSetStarting, kinds[0])
			assert.Equal(t, types.EventTestSetCompleted, kinds[len(kinds)-2])
			assert.Equal(t, types.EventWorkerBye, kinds[len(kinds)-1])

			assert.Empty(t, f.Active())
		})
	}
}

func TestRunAllInParallel(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := ipc.NewMetrics(reg)
	launcher := &inProcessLauncher{handler: newTestWorkerExecutor}
	f := newTestForker(t, newTestConfig(config.TransportTCP, config.CodecJSONLines), launcher, WithMetrics(metrics))

	tests := []string{"pass", "pass", "fail", "chatty", "pass", "pass", "fail"}
	plans := Plan(tests, 3)
	require.Len(t, plans, 3)

	collector := events.NewCollector()
	results, err := f.RunAll(testContext(t), plans, collector)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, plans[i].ID, res.ID)
		assert.True(t, res.Clean(), "fork %d: %+v", res.ID, res)
	}
	assert.Equal(t, 3, collector.Count(types.EventWorkerBye))

	summary := collector.Summary()
	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, len(tests), collector.Count(types.EventTestStarting))
	assert.Equal(t, 3, collector.Count(types.EventTestSetCompleted))

	// every fork saw its own tests in plan order
	for _, plan := range plans {
		var started []string
		for _, ev := range collector.ForFork(plan.ID) {
			if ev.Kind == types.EventTestStarting {
				started = append(started, ev.Data)
			}
		}
		var want []string
		for _, cmd := range plan.Commands {
			if cmd.Kind == types.CommandRun {
				want = append(want, cmd.Data)
			}
		}
		assert.Equal(t, want, started, "fork %d", plan.ID)
	}

	require.Eventually(t, func() bool {
		return metricValue(t, metrics.ActiveChannels) == 0
	}, testBound, 5*time.Millisecond)
	assert.Equal(t, 3.0, metricValue(t, metrics.CommandsWritten.WithLabelValues(string(types.CommandShutdown))))
	assert.Equal(t, 3.0, metricValue(t, metrics.CommandsWritten.WithLabelValues(string(types.CommandByeAck))))
}

func TestForkWorkerExitsBeforeConnecting(t *testing.T) {
	launcher := &inProcessLauncher{run: func(ctx context.Context, ch *ipc.ForkChannel) error {
		return errors.New("exit status 2")
	}}
	f := newTestForker(t, newTestConfig(config.TransportTCP, config.CodecJSONLines), launcher)

	start := time.Now()
	res, err := f.Fork(testContext(t), 1, runCommands("pass"), events.NewCollector())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeWorkerExited), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second, "accept should give up once the worker is gone")

	require.NotNil(t, res)
	assert.EqualError(t, res.ExitErr, "exit status 2")
	assert.False(t, res.Clean())
}

func TestForkReportsWorkerExitError(t *testing.T) {
	launcher := &inProcessLauncher{handler: func() worker.CommandHandler {
		return worker.CommandHandlerFunc(func(ctx context.Context, cmd *types.Command, out worker.Emitter) error {
			return errors.New("cannot load test module")
		})
	}}
	f := newTestForker(t, newTestConfig(config.TransportTCP, config.CodecJSONLines), launcher)
	collector := events.NewCollector()

	res, err := f.Fork(testContext(t), 2, runCommands("pass", "pass"), collector)
	require.NoError(t, err)

	assert.False(t, res.SaidBye)
	assert.Equal(t, "cannot load test module", res.WorkerError)
	assert.True(t, types.IsErrCode(res.ExitErr, types.ErrCodeHandlerFailed), "got %v", res.ExitErr)
	assert.False(t, res.Clean())
	assert.Equal(t, 1, collector.Summary().WorkerErrors)
}

func TestForkInterruptedKillsHungWorker(t *testing.T) {
	// connects, then neither reads nor writes until killed
	launcher := &inProcessLauncher{run: func(ctx context.Context, ch *ipc.ForkChannel) error {
		conn, err := net.Dial("tcp", strings.TrimPrefix(ch.ConnectionString(), "tcp://"))
		if err != nil {
			return err
		}
		defer conn.Close()
		<-ctx.Done()
		return errors.New("signal: killed")
	}}
	cfg := newTestConfig(config.TransportTCP, config.CodecJSONLines)
	f := newTestForker(t, cfg, launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := f.Fork(ctx, 3, runCommands("pass"), events.NewCollector())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Len(t, launcher.launched(), 1)
	assert.True(t, launcher.launched()[0].killed.Load(), "hung worker should be killed")
	assert.EqualError(t, res.ExitErr, "signal: killed")
	assert.False(t, res.SaidBye)
}

func TestForkerShutdownRefusesNewForks(t *testing.T) {
	launcher := &inProcessLauncher{handler: newTestWorkerExecutor}
	f := newTestForker(t, newTestConfig(config.TransportTCP, config.CodecJSONLines), launcher)

	require.NoError(t, f.Shutdown(testContext(t)))

	_, err := f.Fork(testContext(t), 1, runCommands("pass"), events.NewCollector())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "got %v", err)
	assert.Empty(t, launcher.launched())
}

func TestForkerRejectsDuplicateID(t *testing.T) {
	cfg := newTestConfig(config.TransportTCP, config.CodecJSONLines)
	f := newTestForker(t, cfg, &inProcessLauncher{handler: newTestWorkerExecutor})

	ch, err := ipc.New(9, cfg.Channel, logger.NewNop())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, f.register(ch))
	assert.Equal(t, []types.ForkChannelID{9}, f.Active())

	err = f.register(ch)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument), "got %v", err)

	f.unregister(9)
	assert.Empty(t, f.Active())
}

func TestNewForkerValidation(t *testing.T) {
	launcher := &inProcessLauncher{handler: newTestWorkerExecutor}
	bad := newTestConfig("carrier-pigeon", config.CodecJSONLines)

	tests := []struct {
		name     string
		cfg      *config.Config
		launcher Launcher
	}{
		{"nil config", nil, launcher},
		{"nil launcher", newTestConfig(config.TransportTCP, config.CodecJSONLines), nil},
		{"invalid channel", bad, launcher},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewForker(tt.cfg, tt.launcher, logger.NewNop())
			assert.Error(t, err)
		})
	}

	f := newTestForker(t, newTestConfig(config.TransportTCP, config.CodecJSONLines), launcher)
	_, err := f.Fork(testContext(t), 1, nil, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestPlan(t *testing.T) {
	names := func(p ForkPlan) []string {
		var out []string
		for _, cmd := range p.Commands {
			if cmd.Kind == types.CommandRun {
				out = append(out, cmd.Data)
			}
		}
		return out
	}

	tests := []struct {
		name  string
		tests []string
		forks int
		want  [][]string
	}{
		{"round robin", []string{"a", "b", "c", "d", "e"}, 2, [][]string{{"a", "c", "e"}, {"b", "d"}}},
		{"fewer tests than forks", []string{"a", "b"}, 4, [][]string{{"a"}, {"b"}}},
		{"zero forks means one", []string{"a", "b"}, 0, [][]string{{"a", "b"}}},
		{"no tests", nil, 3, [][]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := Plan(tt.tests, tt.forks)
			require.Len(t, plans, len(tt.want))
			for i, p := range plans {
				assert.Equal(t, types.ForkChannelID(i+1), p.ID)
				assert.Equal(t, tt.want[i], names(p), fmt.Sprintf("fork %d", p.ID))
				last := p.Commands[len(p.Commands)-1]
				assert.Equal(t, types.CommandTestSetFinished, last.Kind)
			}
		})
	}
}
