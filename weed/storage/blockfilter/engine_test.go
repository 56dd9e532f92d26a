package blockfilter

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/layout"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

// 32 groups of 8 data sectors and one checksum sector
const testRawSize = 32 * 9 * 512

func TestEngine(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "clean_mirrored_write_read", run: testCleanMirroredWriteRead},
		{name: "partial_groups_preserve_neighbours", run: testPartialGroupsPreserveNeighbours},
		{name: "mirror_consistency_random_writes", run: testMirrorConsistencyRandomWrites},
		{name: "primary_dies_write_reissued", run: testPrimaryDiesWriteReissued},
		{name: "checksum_mismatch_reports_data_error", run: testChecksumMismatchReportsDataError},
		{name: "checksum_mismatch_fatal_without_mirror", run: testChecksumMismatchFatalWithoutMirror},
		{name: "checksum_mismatch_promotes_mirror", run: testChecksumMismatchPromotesMirror},
		{name: "checksum_mismatch_ignored", run: testChecksumMismatchIgnored},
		{name: "checksum_mismatch_counted", run: testChecksumMismatchCounted},
		{name: "checksum_mismatch_counted_across_reads", run: testChecksumMismatchCountedAcrossReads},
		{name: "restart_exhaustion_demotes_mirror", run: testRestartExhaustionDemotesMirror},
		{name: "retry_bound", run: testRetryBound},
		{name: "new_session_reopened_without_restart", run: testNewSessionReopenedWithoutRestart},
		{name: "new_session_reopen_fails", run: testNewSessionReopenFails},
		{name: "timeout_waiting_for_either", run: testTimeoutWaitingForEither},
		{name: "timeout_waiting_for_specific", run: testTimeoutWaitingForSpecific},
		{name: "short_transfer_inside_device", run: testShortTransferInsideDevice},
		{name: "stray_reply_discarded", run: testStrayReplyDiscarded},
		{name: "write_verify_catches_divergence", run: testWriteVerifyCatchesDivergence},
		{name: "geometry_mismatch_at_start", run: testGeometryMismatchAtStart},
		{name: "shared_session_sequential", run: testSharedSessionSequential},
		{name: "flat_layout_passthrough", run: testFlatLayoutPassthrough},
		{name: "layout_without_checksums", run: testLayoutWithoutChecksums},
		{name: "read_both_requires_mirror", run: testReadBothRequiresMirror},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func pattern(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// format writes zeros over the whole device so every checksum is valid.
func (rig *testRig) format() {
	rig.t.Helper()
	reply := rig.write(0, make([]byte, rig.engine.Size()))
	require.NoError(rig.t, reply.Status)
}

// sumOffset is the raw byte offset of the checksum slot of logical sector log.
func sumOffset(l layout.Layout, log uint64) int64 {
	return int64(l.SumSector(l.Group(log))*layout.SectorSize + (log%l.Sectors)*uint64(l.SumSize))
}

func assertNoProblems(t *testing.T, e *Engine) {
	t.Helper()
	for _, ch := range e.Channels() {
		assert.Equal(t, ProblemNone, ch.Problem, "channel %s", ch.Label)
	}
}

func testCleanMirroredWriteRead(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	assert.Equal(t, uint64(32*8*512), rig.engine.Size())

	data := pattern(1, 4096)
	reply := rig.write(0, data)
	require.NoError(t, reply.Status)
	assert.Equal(t, uint64(4096), reply.Size)

	a, b := rig.readBoth(0, 4096)
	assert.Equal(t, data, a)
	assert.Equal(t, data, b)

	got, reply := rig.read(0, 4096)
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)

	assertNoProblems(t, rig.engine)
	assert.Equal(t, 0, rig.host.restarts("primary"))
	assert.Equal(t, 0, rig.host.restarts("mirror"))

	// the raw images hold the interleaved layout: data, then checksums
	raw := rig.rawImage("primary")
	assert.Equal(t, data, raw[:4096])
	assert.Empty(t, rig.engine.Layout().VerifyChecksums(0, 8, raw[:9*512]))
}

func testPartialGroupsPreserveNeighbours(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	base := pattern(2, 32*512)
	require.NoError(t, rig.write(0, base).Status)

	tests := []struct {
		name          string
		sector, count int
	}{
		{"inside one group", 2, 3},
		{"head partial", 3, 5},
		{"tail partial", 8, 3},
		{"straddles groups", 6, 12},
		{"single sector at group end", 15, 1},
	}
	expect := append([]byte(nil), base...)
	for i, tt := range tests {
		data := pattern(int64(10+i), tt.count*512)
		require.NoError(t, rig.write(uint64(tt.sector*512), data).Status, tt.name)
		copy(expect[tt.sector*512:], data)

		got, reply := rig.read(0, len(expect))
		require.NoError(t, reply.Status, tt.name)
		assert.Equal(t, expect, got, tt.name)
	}
	a, b := rig.readBoth(0, len(expect))
	assert.Equal(t, expect, a)
	assert.Equal(t, expect, b)
	assertNoProblems(t, rig.engine)
}

func testMirrorConsistencyRandomWrites(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	rig.format()
	r := rand.New(rand.NewSource(3))
	sectors := int(rig.engine.Size() / 512)
	for i := 0; i < 25; i++ {
		start := r.Intn(sectors)
		count := 1 + r.Intn(min(20, sectors-start))
		data := pattern(int64(100+i), count*512)
		require.NoError(t, rig.write(uint64(start*512), data).Status)

		a, b := rig.readBoth(uint64(start*512), count*512)
		assert.Equal(t, data, a)
		assert.Equal(t, a, b)
	}
	a, b := rig.readBoth(0, int(rig.engine.Size()))
	assert.True(t, bytes.Equal(a, b))
	assertNoProblems(t, rig.engine)
}

func testPrimaryDiesWriteReissued(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	before := rig.engine.Channels()[0].Endpoint

	require.NoError(t, rig.host.Kill("primary"))
	data := pattern(4, 4096)
	reply := rig.write(8*512, data)
	require.NoError(t, reply.Status)
	assert.Equal(t, uint64(4096), reply.Size)

	assert.Equal(t, 1, rig.host.restarts("primary"))
	assert.Equal(t, 0, rig.host.restarts("mirror"))
	state := rig.engine.Channels()[0]
	assert.Equal(t, "primary", state.Label)
	assert.NotEqual(t, before, state.Endpoint)
	assert.Equal(t, 0, state.Retries, "a dead channel does not use retries")
	assert.Equal(t, 1, state.Restarts)
	assert.True(t, rig.engine.Mirroring())

	a, b := rig.readBoth(8*512, 4096)
	assert.Equal(t, data, a)
	assert.Equal(t, data, b)
}

func testChecksumMismatchReportsDataError(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	data := pattern(5, 4096)
	require.NoError(t, rig.write(0, data).Status)

	e := rig.engine
	rig.patchImage("primary", sumOffset(e.Layout(), 3), []byte{0xff})

	buf := make([]byte, 512)
	_, err := e.readLogical(context.Background(), 3*512, buf)
	assert.ErrorIs(t, err, ErrRedo)
	primary := e.Channels()[0]
	assert.Equal(t, ProblemData, primary.Problem)
	assert.ErrorIs(t, primary.Err, ErrChecksum)
	assert.Equal(t, ProblemNone, e.Channels()[1].Problem)
}

func testChecksumMismatchFatalWithoutMirror(t *testing.T) {
	cfg := testConfig(false)
	rig := newRig(t, cfg, testRawSize)
	require.NoError(t, rig.write(0, pattern(6, 4096)).Status)
	rig.patchImage("primary", sumOffset(rig.engine.Layout(), 0), []byte{0xff, 0xee})

	_, reply := rig.read(0, 512)
	var fatal *FatalError
	require.ErrorAs(t, reply.Status, &fatal)
	assert.Equal(t, "primary", fatal.Channel)
	assert.ErrorIs(t, reply.Status, ErrChecksum)
	assert.Equal(t, uint64(0), reply.Size)
	assert.Equal(t, rig.engine.cfg.Restarts-1, rig.host.restarts("primary"))

	// other sectors are unaffected
	_, reply = rig.read(512, 512)
	assert.NoError(t, reply.Status)
}

func testChecksumMismatchPromotesMirror(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	data := pattern(7, 4096)
	require.NoError(t, rig.write(0, data).Status)
	rig.patchImage("primary", 2*512+100, []byte("bit rot"))

	got, reply := rig.read(0, 4096)
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)

	assert.False(t, rig.engine.Mirroring())
	states := rig.engine.Channels()
	assert.Equal(t, "mirror", states[0].Label)
	assert.Equal(t, RolePrimary, states[0].Role)
	assert.Equal(t, "primary", states[1].Label)
	assert.Equal(t, RoleNone, states[1].Role)

	// writes continue on the survivor alone
	gathers := rig.host.count("primary", session.OpGather)
	require.NoError(t, rig.write(4096, data).Status)
	assert.Equal(t, gathers, rig.host.count("primary", session.OpGather))
}

func testChecksumMismatchIgnored(t *testing.T) {
	cfg := testConfig(false)
	cfg.ChecksumFatal = false
	rig := newRig(t, cfg, testRawSize)
	data := pattern(8, 1024)
	require.NoError(t, rig.write(0, data).Status)
	rig.patchImage("primary", sumOffset(rig.engine.Layout(), 1), []byte{0xff})

	got, reply := rig.read(0, 1024)
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)
	assert.Equal(t, 0, rig.host.restarts("primary"))
	assertNoProblems(t, rig.engine)
}

func testChecksumMismatchCounted(t *testing.T) {
	cfg := testConfig(false)
	cfg.ChecksumFatal = false
	cfg.CountIgnored = true
	cfg.Retries = 1
	rig := newRig(t, cfg, testRawSize)
	require.NoError(t, rig.write(0, pattern(9, 1024)).Status)
	rig.patchImage("primary", sumOffset(rig.engine.Layout(), 1), []byte{0xff})

	_, reply := rig.read(0, 1024)
	assert.ErrorIs(t, reply.Status, ErrChecksum)
	assert.Equal(t, rig.engine.cfg.Restarts-1, rig.host.restarts("primary"))
}

func testChecksumMismatchCountedAcrossReads(t *testing.T) {
	cfg := testConfig(false)
	cfg.ChecksumFatal = false
	cfg.CountIgnored = true
	rig := newRig(t, cfg, testRawSize)
	require.Equal(t, 3, rig.engine.cfg.Retries)
	data := pattern(20, 1024)
	require.NoError(t, rig.write(0, data).Status)
	rig.patchImage("primary", sumOffset(rig.engine.Layout(), 1), []byte{0xff})

	for i := 1; i < rig.engine.cfg.Retries; i++ {
		got, reply := rig.read(0, 1024)
		require.NoError(t, reply.Status)
		assert.Equal(t, data, got)
		state := rig.engine.Channels()[0]
		assert.Equal(t, i, state.Ignored)
		assert.Equal(t, 0, state.Retries)
	}

	// the Retries-th tolerated mismatch is charged as a data problem
	got, reply := rig.read(0, 1024)
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)
	state := rig.engine.Channels()[0]
	assert.Equal(t, 1, state.Retries)
	assert.Equal(t, 0, state.Restarts)
	assert.Equal(t, 1, state.Ignored)
	assert.Equal(t, ProblemNone, state.Problem)
	assert.Equal(t, 0, rig.host.restarts("primary"))

	// rewriting the sectors repairs the checksum; a clean read clears the count
	require.NoError(t, rig.write(0, data).Status)
	_, reply = rig.read(0, 1024)
	require.NoError(t, reply.Status)
	assert.Equal(t, 0, rig.engine.Channels()[0].Ignored)
}

func testRestartExhaustionDemotesMirror(t *testing.T) {
	cfg := testConfig(true)
	rig := newRig(t, cfg, testRawSize)
	require.NoError(t, rig.host.Kill("mirror"))
	rig.host.mu.Lock()
	rig.host.failRestart["mirror"] = true
	rig.host.mu.Unlock()

	data := pattern(10, 4096)
	reply := rig.write(0, data)
	require.NoError(t, reply.Status)
	assert.Equal(t, rig.engine.cfg.Restarts-1, rig.host.restarts("mirror"))
	assert.Equal(t, 0, rig.host.restarts("primary"))
	assert.False(t, rig.engine.Mirroring())
	assert.Equal(t, RoleNone, rig.engine.Channels()[1].Role)

	for i := 0; i < 3; i++ {
		require.NoError(t, rig.write(uint64(i)*4096, data).Status)
	}
	assert.Equal(t, rig.engine.cfg.Restarts-1, rig.host.restarts("mirror"), "no restarts after demotion")

	got, reply := rig.read(0, 4096)
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)

	_, err := rig.engine.ReadBoth(context.Background(), 0, make([]byte, 512), make([]byte, 512))
	assert.ErrorIs(t, err, ErrInvalid)
}

func testRetryBound(t *testing.T) {
	cfg := testConfig(false)
	cfg.Checksums = false
	cfg.Retries = 3
	cfg.Restarts = 3
	rig := newRig(t, cfg, testRawSize)

	var failuresAtRestart []int
	rig.host.onRestart = func(label string) {
		failuresAtRestart = append(failuresAtRestart, rig.host.count(label, session.OpGather))
	}
	rig.host.setInject(func(label string, req *session.Request) fault {
		if req.Op == session.OpGather {
			return faultStatus
		}
		return faultNone
	})

	reply := rig.write(0, pattern(11, 512))
	var fatal *FatalError
	require.ErrorAs(t, reply.Status, &fatal)
	assert.ErrorIs(t, reply.Status, errInjected)

	// a restart after every Retries failures, fatal on the Restarts-th exhaustion
	assert.Equal(t, []int{3, 6}, failuresAtRestart)
	assert.Equal(t, cfg.Retries*cfg.Restarts, rig.host.count("primary", session.OpGather))

	// the next operation starts with a fresh budget
	rig.host.setInject(nil)
	require.NoError(t, rig.write(0, pattern(11, 512)).Status)
}

// restartBehindEngine replaces the store under label without the engine
// asking, and waits until the announcement is queued.
func restartBehindEngine(t *testing.T, rig *testRig, label string) {
	t.Helper()
	require.NoError(t, rig.host.Host.RequestRestart(label))
	require.Eventually(t, func() bool { return len(rig.host.events) == 1 }, 2*time.Second, time.Millisecond)
}

func testNewSessionReopenedWithoutRestart(t *testing.T) {
	rig := newRig(t, testConfig(false), testRawSize)
	before := rig.engine.Channels()[0].Endpoint
	restartBehindEngine(t, rig, "primary")

	data := pattern(21, 4096)
	reply := rig.write(0, data)
	require.NoError(t, reply.Status)

	assert.Equal(t, 0, rig.host.restarts("primary"))
	state := rig.engine.Channels()[0]
	assert.NotEqual(t, before, state.Endpoint)
	assert.True(t, state.Open)
	assert.Equal(t, LivenessUnseen, state.Liveness)
	assert.Equal(t, 0, state.Retries)
	assert.Equal(t, 0, state.Restarts)

	got, reply := rig.read(0, 4096)
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)
}

func testNewSessionReopenFails(t *testing.T) {
	rig := newRig(t, testConfig(false), testRawSize)
	e := rig.engine
	// the new instance comes up with a different size
	require.NoError(t, os.Truncate(rig.paths["primary"], testRawSize+4096))
	restartBehindEngine(t, rig, "primary")

	ctx := context.Background()
	ch := e.channels[RolePrimary]
	require.ErrorIs(t, e.reportProblem(ctx, ch, ProblemDead, session.ErrDead), ErrRedo)
	require.NoError(t, e.reconcile(ctx, ch))

	state := e.Channels()[0]
	assert.Equal(t, 1, state.Retries, "a dead problem never uses retries, a failed reopen does")
	assert.Equal(t, 0, state.Restarts)
	assert.False(t, state.Open)
	assert.Equal(t, LivenessUnseen, state.Liveness)
	assert.Equal(t, 0, rig.host.restarts("primary"))

	// nothing is sent to the unopened store; restarts bring back the same size
	reply := rig.write(0, pattern(22, 512))
	var fatal *FatalError
	require.ErrorAs(t, reply.Status, &fatal)
	assert.ErrorIs(t, reply.Status, ErrGeometryMismatch)
	assert.Equal(t, e.cfg.Restarts-1, rig.host.restarts("primary"))
	assert.Equal(t, 0, rig.host.count("primary", session.OpGather))
}

func testTimeoutWaitingForEither(t *testing.T) {
	cfg := testConfig(true)
	cfg.Timeout = 50 * time.Millisecond
	rig := newRig(t, cfg, testRawSize)
	rig.host.setInject(func(label string, req *session.Request) fault {
		return faultDrop
	})

	e := rig.engine
	buf := make([]byte, 512)
	start := time.Now()
	_, err := e.dispatch(context.Background(), transfer{op: session.OpGather, bufs: [][]byte{buf}, both: true})
	assert.ErrorIs(t, err, ErrRedo)
	assert.GreaterOrEqual(t, time.Since(start), cfg.Timeout)
	for _, ch := range e.Channels() {
		assert.Equal(t, ProblemProtocol, ch.Problem, ch.Label)
		assert.ErrorIs(t, ch.Err, ErrTimeout)
	}
}

func testTimeoutWaitingForSpecific(t *testing.T) {
	cfg := testConfig(true)
	cfg.Timeout = 50 * time.Millisecond
	rig := newRig(t, cfg, testRawSize)
	rig.host.setInject(func(label string, req *session.Request) fault {
		if label == "mirror" {
			return faultDrop
		}
		return faultNone
	})

	e := rig.engine
	buf := make([]byte, 512)
	_, err := e.dispatch(context.Background(), transfer{op: session.OpGather, bufs: [][]byte{buf}, both: true})
	assert.ErrorIs(t, err, ErrRedo)
	states := e.Channels()
	assert.Equal(t, ProblemNone, states[0].Problem)
	assert.Equal(t, ProblemProtocol, states[1].Problem)

	// through the router the mirror is retried, then the write succeeds
	e.channels[RoleMirror].clearProblem()
	dropped := false
	rig.host.setInject(func(label string, req *session.Request) fault {
		if label == "mirror" && req.Op == session.OpGather && !dropped {
			dropped = true
			return faultDrop
		}
		return faultNone
	})
	require.NoError(t, rig.write(0, pattern(12, 4096)).Status)
	assert.Equal(t, 0, rig.host.restarts("mirror"))
}

func testShortTransferInsideDevice(t *testing.T) {
	cfg := testConfig(false)
	cfg.Checksums = false
	rig := newRig(t, cfg, testRawSize)
	e := rig.engine

	// a transfer that ends exactly at the end of the device may come back short
	buf := make([]byte, 2048)
	n, err := e.dispatch(context.Background(), transfer{op: session.OpScatter, pos: testRawSize - 1024, bufs: [][]byte{buf}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), n)

	// a short reply that stops inside the device is a protocol problem
	s := e.newSub(e.primary(), transfer{op: session.OpScatter, pos: 0}, buf)
	s.reply = &session.Reply{Source: e.primary().endpoint, ID: s.req.ID, Size: 512}
	e.checkReply(s)
	assert.Equal(t, ProblemProtocol, s.kind)

	s = e.newSub(e.primary(), transfer{op: session.OpScatter, pos: 0}, buf)
	s.reply = &session.Reply{Source: e.primary().endpoint, ID: s.req.ID, Size: 4096}
	e.checkReply(s)
	assert.Equal(t, ProblemProtocol, s.kind, "more than requested")
}

func testStrayReplyDiscarded(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	primary := rig.engine.Channels()[0].Endpoint
	rig.host.replies <- &session.Reply{Source: primary, ID: 1 << 40}
	rig.host.replies <- &session.Reply{Source: "nobody/0", ID: 7}

	data := pattern(13, 4096)
	require.NoError(t, rig.write(0, data).Status)
	got, reply := rig.read(0, 4096)
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)
	assertNoProblems(t, rig.engine)
}

func testWriteVerifyCatchesDivergence(t *testing.T) {
	rig := newRig(t, testConfig(true), testRawSize)
	corrupted := false
	rig.host.setInject(func(label string, req *session.Request) fault {
		if label == "mirror" && req.Op == session.OpScatter && !corrupted {
			corrupted = true
			return faultCorrupt
		}
		return faultNone
	})

	data := pattern(14, 4096)
	require.NoError(t, rig.write(0, data).Status)
	assert.True(t, corrupted)
	// the verify mismatch forced the write to be issued a second time
	assert.Equal(t, 2, rig.host.count("mirror", session.OpGather))
	assert.Equal(t, 2, rig.host.count("primary", session.OpGather))

	a, b := rig.readBoth(0, 4096)
	assert.Equal(t, data, a)
	assert.Equal(t, data, b)
}

func testGeometryMismatchAtStart(t *testing.T) {
	host := newFaultyHost(t)
	dir := t.TempDir()
	_, err := host.Attach(session.StoreConfig{Label: "primary", Path: createImage(t, dir, "primary", testRawSize)})
	require.NoError(t, err)
	_, err = host.Attach(session.StoreConfig{Label: "mirror", Path: createImage(t, dir, "mirror", testRawSize+4096)})
	require.NoError(t, err)

	e, err := New(testConfig(true), host, host)
	require.NoError(t, err)
	err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrGeometryMismatch)
	assert.ErrorIs(t, err, ErrRedo)
	assert.False(t, e.Channels()[0].Open)
	assert.Equal(t, 1, host.count("primary", session.OpClose))

	// attaching again is allowed and fails the same way
	err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrGeometryMismatch)
	assert.Equal(t, 2, host.count("primary", session.OpClose))

	reply := NewRouter(e).Handle(context.Background(), &Request{Verb: VerbOpen})
	assert.ErrorIs(t, reply.Status, ErrNoDevice)
}

func testSharedSessionSequential(t *testing.T) {
	cfg := testConfig(true)
	cfg.Mirror.Label = "primary"
	rig := newRig(t, cfg, testRawSize)
	states := rig.engine.Channels()
	require.Equal(t, states[0].Endpoint, states[1].Endpoint)

	data := pattern(15, 3*512)
	require.NoError(t, rig.write(5*512, data).Status)
	a, b := rig.readBoth(5*512, len(data))
	assert.Equal(t, data, a)
	assert.Equal(t, data, b)
	assert.Equal(t, 2, rig.host.count("primary", session.OpGather))
}

func testFlatLayoutPassthrough(t *testing.T) {
	cfg := testConfig(true)
	cfg.Checksums = false
	rig := newRig(t, cfg, testRawSize)
	assert.Equal(t, uint64(testRawSize), rig.engine.Size())

	data := pattern(16, 8192)
	require.NoError(t, rig.write(512, data).Status)
	assert.Equal(t, data, rig.rawImage("primary")[512:512+8192])
	assert.Equal(t, data, rig.rawImage("mirror")[512:512+8192])

	got, reply := rig.read(512, len(data))
	require.NoError(t, reply.Status)
	assert.Equal(t, data, got)
}

func testLayoutWithoutChecksums(t *testing.T) {
	cfg := testConfig(false)
	cfg.Checksums = false
	cfg.Interleaved = true
	rig := newRig(t, cfg, testRawSize)
	assert.Equal(t, uint64(32*8*512), rig.engine.Size())

	base := pattern(17, 16*512)
	require.NoError(t, rig.write(0, base).Status)
	patch := pattern(18, 2*512)
	require.NoError(t, rig.write(7*512, patch).Status)
	copy(base[7*512:], patch)

	got, reply := rig.read(0, len(base))
	require.NoError(t, reply.Status)
	assert.Equal(t, base, got)
	// logical sector 8 lives after the first checksum sector
	assert.Equal(t, patch[512:], rig.rawImage("primary")[9*512:10*512])
}

func testReadBothRequiresMirror(t *testing.T) {
	rig := newRig(t, testConfig(false), testRawSize)
	_, err := rig.engine.ReadBoth(context.Background(), 0, make([]byte, 512), make([]byte, 512))
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = rig.engine.ReadBoth(context.Background(), 0, make([]byte, 512), make([]byte, 1024))
	assert.ErrorIs(t, err, ErrInvalid)
}
