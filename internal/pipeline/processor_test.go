package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"imu-svr/internal/clock"
	"imu-svr/internal/codec"
	"imu-svr/internal/layout"
	"imu-svr/internal/observability"
	"imu-svr/internal/session"
)

const prefix = "imu_capturas"

type fakePublisher struct {
	calls []int
	last  []DeviceStatus
	err   error
}

func (f *fakePublisher) PublishStatus(_ context.Context, s int, devs []DeviceStatus) error {
	f.calls = append(f.calls, s)
	f.last = devs
	return f.err
}

type fakeForwarder struct {
	summaries []SessionSummary
}

func (f *fakeForwarder) ForwardSummary(_ context.Context, s SessionSummary) error {
	f.summaries = append(f.summaries, s)
	return nil
}

type harness struct {
	p    *Processor
	clk  *clock.Fake
	base string
	pub  *fakePublisher
	fwd  *fakeForwarder
}

func newHarness(t *testing.T, k int, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		clk:  clock.NewFake(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)),
		base: t.TempDir(),
		pub:  &fakePublisher{},
		fwd:  &fakeForwarder{},
	}
	opts := Options{
		BlockSamples:   k,
		FlushEvery:     100,
		StatusEvery:    256,
		StatusInterval: 5 * time.Second,
		Devices:        map[uint8]string{1: "muslo_derecho", 2: "pecho"},
		Publisher:      h.pub,
		Forwarder:      h.fwd,
		Logger:         observability.NewLoggerTo(io.Discard, "debug"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr := session.NewManager(h.base, prefix, 1, 6*time.Second, h.clk)
	h.p = NewProcessor(mgr, opts)
	t.Cleanup(h.p.waitManifests)
	return h
}

func (h *harness) send(t *testing.T, dev uint8, seq uint32, samples ...codec.Sample) {
	t.Helper()
	data := codec.Encode(codec.Header{DeviceID: dev, Seq: seq}, samples, []byte{0, 0, 0, 0})
	if err := h.p.HandleDatagram(context.Background(), data); err != nil {
		t.Fatalf("HandleDatagram(dev=%d seq=%d): %v", dev, seq, err)
	}
}

func (h *harness) lines(t *testing.T, name string, index int) []string {
	t.Helper()
	data, err := os.ReadFile(layout.DeviceFile(h.base, prefix, name, index))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func blockSeqs(lines []string) []string {
	var out []string
	for _, l := range lines[1:] {
		out = append(out, strings.SplitN(l, ",", 2)[0])
	}
	return out
}

func sample(v int16) codec.Sample {
	return codec.Sample{Ax: v, Ay: v, Az: v, Gx: v, Gy: v, Gz: v}
}

func TestGapIsZeroFilledInOrder(t *testing.T) {
	h := newHarness(t, 4, nil)
	h.send(t, 1, 5, sample(5))
	h.send(t, 1, 6, sample(6))
	h.send(t, 1, 8, sample(8))
	h.p.Close(context.Background())

	lines := h.lines(t, "muslo_derecho", 1)
	got := strings.Join(blockSeqs(lines), " ")
	want := "5 5 5 5 6 6 6 6 7 7 7 7 8 8 8 8"
	if got != want {
		t.Fatalf("block order = %q, want %q", got, want)
	}
	for _, l := range lines[9:13] {
		if l != "7,0,0,0,0,0,0" {
			t.Fatalf("synthetic row = %q", l)
		}
	}
	if lines[13] != "8,8,8,8,8,8,8" {
		t.Fatalf("real row after gap = %q", lines[13])
	}

	st := h.fwd.summaries[0].Devices[0]
	if st.Lost != 1 || st.Packets != 3 || st.Rows != 16 {
		t.Fatalf("status = %+v", st)
	}
}

func TestCorruptMagicLeavesNoTrace(t *testing.T) {
	h := newHarness(t, 4, nil)
	data := codec.Encode(codec.Header{DeviceID: 1, Seq: 1}, []codec.Sample{sample(1)}, nil)
	copy(data, "XMU2")

	err := h.p.HandleDatagram(context.Background(), data)
	if !errors.Is(err, codec.ErrMalformedPacket) {
		t.Fatalf("err = %v, want ErrMalformedPacket", err)
	}
	entries, _ := os.ReadDir(h.base)
	if len(entries) != 0 {
		t.Fatalf("files created: %v", entries)
	}
	if len(h.p.Snapshot()) != 0 {
		t.Fatalf("snapshot = %+v", h.p.Snapshot())
	}
}

func TestRowFormat(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.send(t, 2, 42, codec.Sample{Ax: 1, Ay: -1, Az: 0, Gx: 100, Gy: 0, Gz: -100})
	h.p.Close(context.Background())

	lines := h.lines(t, "pecho", 1)
	if len(lines) != 2 || lines[0] != "block_seq,ax,ay,az,gx,gy,gz" || lines[1] != "42,1,-1,0,100,0,-100" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestShortPayloadIsPadded(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.send(t, 1, 1, sample(9))
	st, _ := h.p.Device(1)
	if st.Rows != 3 {
		t.Fatalf("rows = %d, want 3", st.Rows)
	}
}

func TestSessionRotationResetsEverything(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.send(t, 1, 10)
	h.send(t, 1, 12)
	h.send(t, 2, 1)

	h.clk.Advance(5 * time.Second)
	if h.p.CheckSession(context.Background()) {
		t.Fatal("rotated before duration")
	}
	h.clk.Advance(time.Second)
	if !h.p.CheckSession(context.Background()) {
		t.Fatal("did not rotate after duration")
	}
	if h.p.SessionIndex() != 2 {
		t.Fatalf("session index = %d", h.p.SessionIndex())
	}
	if len(h.p.Snapshot()) != 0 {
		t.Fatalf("devices survived rotation: %+v", h.p.Snapshot())
	}

	// sesión anterior: cerrada, con manifest y resumen
	h.p.waitManifests()
	m, err := session.ReadManifest(layout.SessionRoot(h.base, prefix, 1))
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(m.Devices) != 2 || m.Devices[0].Lost != 1 || m.Devices[0].BLAKE3 == "" {
		t.Fatalf("manifest = %+v", m)
	}
	if len(h.fwd.summaries) != 1 || h.fwd.summaries[0].Index != 1 {
		t.Fatalf("summaries = %+v", h.fwd.summaries)
	}
	if lines := h.lines(t, "muslo_derecho", 1); len(lines) != 1+3*2 {
		t.Fatalf("session 1 lines = %d", len(lines))
	}

	// un salto grande tras rotar es primer-visto, no pérdida
	h.send(t, 1, 500)
	st, ok := h.p.Device(1)
	if !ok || st.Lost != 0 || st.Packets != 1 || st.Rows != 2 {
		t.Fatalf("status after rotation = %+v", st)
	}
	if !strings.Contains(st.File, filepath.Join(prefix+"2", "muslo_derecho2")) {
		t.Fatalf("file = %s", st.File)
	}
}

func TestSequenceResetIsNotLoss(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.send(t, 1, 50)
	h.send(t, 1, 3)
	h.send(t, 1, 4)

	st, _ := h.p.Device(1)
	if st.Lost != 0 || st.Resets != 1 || st.Packets != 3 || st.LastSeq != 4 {
		t.Fatalf("status = %+v", st)
	}
	h.p.Close(context.Background())
	if got := strings.Join(blockSeqs(h.lines(t, "muslo_derecho", 1)), " "); got != "50 50 3 3 4 4" {
		t.Fatalf("blocks = %q", got)
	}
}

func TestDuplicateIsWrittenAgain(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.send(t, 1, 7)
	h.send(t, 1, 7)
	h.send(t, 1, 8)

	st, _ := h.p.Device(1)
	if st.Lost != 0 || st.Duplicates != 1 || st.Packets != 3 || st.Rows != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestGapFillLimit(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.GapFillLimit = 10 })
	h.send(t, 1, 1)
	h.send(t, 1, 5)
	h.send(t, 1, 500)

	st, _ := h.p.Device(1)
	if st.Lost != 3 || st.Resets != 1 || st.Rows != 6 {
		t.Fatalf("status = %+v", st)
	}
}

func TestGapFreeStreamCounts(t *testing.T) {
	const n, k = 250, 4
	h := newHarness(t, k, nil)
	for i := 0; i < n; i++ {
		h.send(t, 2, uint32(i+1), sample(int16(i)))
		if i+1 == 100 {
			// flush cada 100 paquetes: todo lo escrito ya está en el archivo
			if lines := h.lines(t, "pecho", 1); len(lines) != 1+100*k {
				t.Fatalf("after flush lines = %d, want %d", len(lines), 1+100*k)
			}
		}
	}
	st, _ := h.p.Device(2)
	if st.Rows != n*k || st.Lost != 0 || st.Packets != n {
		t.Fatalf("status = %+v", st)
	}
}

func TestUnmappedDeviceName(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.send(t, 9, 1)
	st, _ := h.p.Device(9)
	if st.Name != "id9" {
		t.Fatalf("name = %q", st.Name)
	}
	if _, err := os.Stat(layout.DeviceFile(h.base, prefix, "id9", 1)); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestSinkErrorIsDistinctAndRecovers(t *testing.T) {
	h := newHarness(t, 1, nil)
	root := layout.SessionRoot(h.base, prefix, 1)
	if err := os.WriteFile(root, []byte("not a dir"), 0o644); err != nil {
		t.Fatal(err)
	}

	data := codec.Encode(codec.Header{DeviceID: 1, Seq: 1}, nil, []byte{0, 0, 0, 0})
	err := h.p.HandleDatagram(context.Background(), data)
	var se *SinkError
	if !errors.As(err, &se) || errors.Is(err, codec.ErrMalformedPacket) {
		t.Fatalf("err = %v, want *SinkError", err)
	}
	if se.Device != "muslo_derecho" {
		t.Fatalf("sink error device = %q", se.Device)
	}
	if _, ok := h.p.Device(1); ok {
		t.Fatal("device registered without a sink")
	}

	if err := os.Remove(root); err != nil {
		t.Fatal(err)
	}
	h.send(t, 1, 2)
	if st, ok := h.p.Device(1); !ok || st.Packets != 1 {
		t.Fatalf("status after recovery = %+v", st)
	}
}

func TestIdleReportsEveryInterval(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.p.Idle(context.Background())
	if len(h.pub.calls) != 0 {
		t.Fatal("published with no devices")
	}

	h.send(t, 1, 1)
	h.clk.Advance(4 * time.Second)
	h.p.Idle(context.Background())
	if len(h.pub.calls) != 0 {
		t.Fatal("published before interval")
	}
	h.clk.Advance(time.Second)
	h.p.Idle(context.Background())
	if len(h.pub.calls) != 1 || h.pub.last[0].Name != "muslo_derecho" {
		t.Fatalf("publisher calls = %v last = %+v", h.pub.calls, h.pub.last)
	}
	h.p.Idle(context.Background())
	if len(h.pub.calls) != 1 {
		t.Fatal("published twice in the same interval")
	}
}

func TestPublishErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.pub.err = errors.New("redis down")
	h.send(t, 1, 1)
	h.clk.Advance(5 * time.Second)
	h.p.Idle(context.Background())
	h.send(t, 1, 2)
	if st, _ := h.p.Device(1); st.Packets != 2 {
		t.Fatalf("packets = %d", st.Packets)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.send(t, 1, 1)
	h.p.Close(context.Background())
	h.p.Close(context.Background())
	if len(h.fwd.summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(h.fwd.summaries))
	}
}

func TestLossMetric(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.Devices = map[uint8]string{7: "metric_probe"} })
	lost := observability.BlocksLost.WithLabelValues("metric_probe")
	before := testutil.ToFloat64(lost)

	h.send(t, 7, 1)
	h.send(t, 7, 4)
	if got := testutil.ToFloat64(lost) - before; got != 2 {
		t.Fatalf("loss metric delta = %v, want 2", got)
	}
}

func TestCloseWaitsForManifests(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.send(t, 1, 1)
	h.clk.Advance(6 * time.Second)
	if !h.p.CheckSession(context.Background()) {
		t.Fatal("did not rotate")
	}
	// la rotación no espera el hash; los paquetes de la nueva sesión siguen
	h.send(t, 1, 2)
	h.p.Close(context.Background())

	for _, idx := range []int{1, 2} {
		m, err := session.ReadManifest(layout.SessionRoot(h.base, prefix, idx))
		if err != nil {
			t.Fatalf("session %d: ReadManifest: %v", idx, err)
		}
		if m.Index != idx || len(m.Devices) != 1 || m.Devices[0].BLAKE3 == "" {
			t.Fatalf("session %d manifest = %+v", idx, m)
		}
		want, err := session.HashFile(layout.DeviceFile(h.base, prefix, "muslo_derecho", idx))
		if err != nil {
			t.Fatalf("HashFile: %v", err)
		}
		if m.Devices[0].BLAKE3 != want {
			t.Fatalf("session %d hash = %s, want %s", idx, m.Devices[0].BLAKE3, want)
		}
	}
}
