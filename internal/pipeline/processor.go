package pipeline

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"imu-svr/internal/codec"
	"imu-svr/internal/layout"
	"imu-svr/internal/observability"
	"imu-svr/internal/sequence"
	"imu-svr/internal/session"
	"imu-svr/internal/sink"
)

type Options struct {
	BlockSamples   int
	FlushEvery     uint64
	StatusEvery    uint64
	StatusInterval time.Duration
	GapFillLimit   uint64 // 0 = sin límite
	Devices        map[uint8]string
	Sink           sink.Options

	Publisher      StatusPublisher
	Forwarder      SummaryForwarder
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Processor es el contexto del receptor: sesión activa y registro de
// dispositivos. Lo usa una sola goroutine, sin locks.
type Processor struct {
	opts     Options
	log      *slog.Logger
	sessions *session.Manager
	devices  map[uint8]*DeviceState

	lastReport time.Time

	// manifests pendientes: el hash BLAKE3 corre fuera del loop de recepción
	manifests sync.WaitGroup
}

func NewProcessor(sessions *session.Manager, opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FlushEvery == 0 {
		opts.FlushEvery = 100
	}
	if opts.StatusEvery == 0 {
		opts.StatusEvery = 256
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	observability.SessionIndex.Set(float64(sessions.Index()))
	return &Processor{
		opts:       opts,
		log:        opts.Logger.With("component", "pipeline"),
		sessions:   sessions,
		devices:    make(map[uint8]*DeviceState),
		lastReport: sessions.Now(),
	}
}

func (p *Processor) SessionIndex() int { return p.sessions.Index() }

// Device devuelve la foto de un dispositivo de la sesión activa.
func (p *Processor) Device(id uint8) (DeviceStatus, bool) {
	d, ok := p.devices[id]
	if !ok {
		return DeviceStatus{}, false
	}
	return d.Status(), true
}

// Snapshot devuelve todos los dispositivos de la sesión, ordenados por id.
func (p *Processor) Snapshot() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(p.devices))
	for _, id := range slices.Sorted(maps.Keys(p.devices)) {
		out = append(out, p.devices[id].Status())
	}
	return out
}

// CheckSession rota la sesión si ya venció. Devuelve true si rotó.
func (p *Processor) CheckSession(ctx context.Context) bool {
	if !p.sessions.Expired() {
		return false
	}
	p.closeSession(ctx)
	prev := p.sessions.Rotate()
	observability.SessionRotations.Inc()
	observability.SessionIndex.Set(float64(p.sessions.Index()))
	p.log.Info("session rotated",
		"previous", prev.Index,
		"session", p.sessions.Index(),
		"root", p.sessions.Root())
	return true
}

// HandleDatagram procesa un datagrama completo. Devuelve un error que
// envuelve codec.ErrMalformedPacket si hay que descartarlo, o un
// *SinkError si falló la escritura.
func (p *Processor) HandleDatagram(ctx context.Context, data []byte) error {
	start := time.Now()
	observability.DatagramsRecv.Inc()

	pkt, err := codec.Decode(data)
	if err != nil {
		observability.DatagramsDiscarded.WithLabelValues(string(codec.ReasonOf(err))).Inc()
		p.log.Debug("datagram discarded", "reason", codec.ReasonOf(err), "len", len(data))
		return err
	}
	defer observability.ObserveDecodeLatency(start)

	dev, err := p.device(pkt.Header.DeviceID)
	if err != nil {
		return err
	}
	return p.accept(dev, pkt)
}

// device busca o crea el estado del dispositivo y se asegura de que su CSV
// esté abierto. Un dispositivo nuevo sólo se registra si el CSV abrió bien.
func (p *Processor) device(id uint8) (*DeviceState, error) {
	dev, known := p.devices[id]
	if known && dev.sink != nil {
		return dev, nil
	}
	if !known {
		name := layout.DeviceName(id, p.opts.Devices)
		dev = &DeviceState{ID: id, Name: name, path: p.sessions.DeviceFile(name)}
	}

	s, err := sink.Open(dev.path, p.opts.Sink)
	if err != nil {
		observability.SinkErrors.WithLabelValues(dev.Name).Inc()
		return nil, &SinkError{DeviceID: id, Device: dev.Name, Err: err}
	}
	dev.sink = s
	if !known {
		p.devices[id] = dev
		observability.ActiveDevices.Set(float64(len(p.devices)))
	}
	p.log.Info("recording device",
		"session", p.sessions.Index(),
		"device", dev.Name,
		"id", id,
		"file", dev.path)
	return dev, nil
}

func (p *Processor) accept(dev *DeviceState, pkt codec.Packet) error {
	k := p.opts.BlockSamples
	seq := pkt.Header.Seq
	obs := dev.Tracker.Classify(seq)

	switch obs.Kind {
	case sequence.Reset:
		p.resetWarning(dev, obs, "sequence reset, loss not counted")
	case sequence.Gap:
		if p.opts.GapFillLimit > 0 && obs.Missing > p.opts.GapFillLimit {
			p.resetWarning(dev, obs, "gap exceeds fill limit, treated as reset")
			obs.Kind = sequence.Reset
		}
	case sequence.Duplicate:
		dev.Duplicates++
		observability.DuplicateBlocks.WithLabelValues(dev.Name).Inc()
	}

	// cada bloque de ceros escrito avanza el tracker, así un error a mitad
	// del relleno no vuelve a contar las pérdidas ya escritas
	_, err := sequence.FillGap(obs, k, func(b codec.Block) error {
		if err := dev.write(b); err != nil {
			return err
		}
		dev.Tracker.Commit(b.Seq)
		dev.Lost++
		observability.BlocksLost.WithLabelValues(dev.Name).Inc()
		return nil
	})
	if err != nil {
		return p.sinkFailed(dev, err)
	}

	if extra := len(pkt.Samples) - k; extra > 0 {
		observability.SamplesDropped.WithLabelValues(dev.Name).Add(float64(extra))
	}
	if err := dev.write(pkt.Block(k)); err != nil {
		return p.sinkFailed(dev, err)
	}
	dev.Tracker.Commit(seq)
	dev.Packets++
	observability.PacketsAccepted.WithLabelValues(dev.Name).Inc()

	if dev.Packets%p.opts.FlushEvery == 0 {
		if err := dev.sink.Flush(); err != nil {
			return p.sinkFailed(dev, err)
		}
	}
	if dev.Packets%p.opts.StatusEvery == 0 {
		p.log.Info("device status",
			"session", p.sessions.Index(),
			"device", dev.Name,
			"id", dev.ID,
			"packets", dev.Packets,
			"lost", dev.Lost,
			"last_seq", seq)
	}
	return nil
}

func (p *Processor) resetWarning(dev *DeviceState, obs sequence.Observation, msg string) {
	dev.Resets++
	observability.SequenceResets.WithLabelValues(dev.Name).Inc()
	p.log.Warn(msg,
		"session", p.sessions.Index(),
		"device", dev.Name,
		"id", dev.ID,
		"last_seq", obs.Last,
		"seq", obs.Seq)
}

func (p *Processor) sinkFailed(dev *DeviceState, err error) error {
	observability.SinkErrors.WithLabelValues(dev.Name).Inc()
	if cerr := dev.closeSink(); cerr != nil {
		p.log.Debug("close after sink error", "device", dev.Name, "error", cerr)
	}
	return &SinkError{DeviceID: dev.ID, Device: dev.Name, Err: err}
}

// Idle se llama cuando el receive vence sin datos. Cada StatusInterval
// loguea y publica el resumen de todos los dispositivos de la sesión.
func (p *Processor) Idle(ctx context.Context) {
	now := p.sessions.Now()
	if now.Sub(p.lastReport) < p.opts.StatusInterval {
		return
	}
	p.lastReport = now
	if len(p.devices) == 0 {
		return
	}
	snap := p.Snapshot()
	p.log.Info("session status", "session", p.sessions.Index(), "devices", snap)
	p.publish(ctx, snap)
}

func (p *Processor) publish(ctx context.Context, snap []DeviceStatus) {
	if p.opts.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()
	if err := p.opts.Publisher.PublishStatus(ctx, p.sessions.Index(), snap); err != nil {
		observability.PublishErrors.WithLabelValues("status").Inc()
		p.log.Warn("status publish failed", "error", err)
	}
}

// Close cierra la sesión activa sin rotarla: flush y close de todos los
// CSV, manifest y resumen. Espera a que terminen los manifests pendientes.
// Se puede llamar más de una vez.
func (p *Processor) Close(ctx context.Context) {
	p.closeSession(ctx)
	p.waitManifests()
}

func (p *Processor) waitManifests() {
	p.manifests.Wait()
}

// closeSession siempre intenta cerrar todos los CSV; los errores se
// loguean y no se propagan.
func (p *Processor) closeSession(ctx context.Context) {
	if len(p.devices) == 0 {
		return
	}
	info := p.sessions.Current()
	p.log.Info("closing session", "session", info.Index, "devices", len(p.devices))

	for _, id := range slices.Sorted(maps.Keys(p.devices)) {
		dev := p.devices[id]
		if err := dev.closeSink(); err != nil {
			p.log.Warn("close failed", "device", dev.Name, "error", err)
		}
	}

	snap := p.Snapshot()
	// los CSV de la sesión ya están cerrados y nadie vuelve a escribirlos
	m := p.manifest(info, snap)
	p.manifests.Add(1)
	go func() {
		defer p.manifests.Done()
		if err := session.WriteManifest(info.Root, m); err != nil {
			p.log.Warn("manifest write failed", "root", info.Root, "error", err)
		}
	}()
	p.publish(ctx, snap)
	p.forward(ctx, SessionSummary{
		Index:   info.Index,
		Root:    info.Root,
		Start:   info.Start,
		End:     info.End,
		Devices: snap,
	})

	clear(p.devices)
	observability.ActiveDevices.Set(0)
}

func (p *Processor) manifest(info session.Info, snap []DeviceStatus) session.Manifest {
	m := session.Manifest{
		Index:        info.Index,
		Prefix:       p.sessions.Prefix(),
		Start:        info.Start,
		End:          info.End,
		BlockSamples: p.opts.BlockSamples,
	}
	for _, d := range snap {
		rel, err := filepath.Rel(info.Root, d.File)
		if err != nil {
			rel = d.File
		}
		m.Devices = append(m.Devices, session.DeviceEntry{
			ID:         d.ID,
			Name:       d.Name,
			File:       rel,
			Packets:    d.Packets,
			Lost:       d.Lost,
			Rows:       d.Rows,
			Resets:     d.Resets,
			Duplicates: d.Duplicates,
		})
	}
	return m
}

func (p *Processor) forward(ctx context.Context, s SessionSummary) {
	if p.opts.Forwarder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()
	if err := p.opts.Forwarder.ForwardSummary(ctx, s); err != nil {
		observability.PublishErrors.WithLabelValues("summary").Inc()
		p.log.Warn("summary forward failed", "session", s.Index, "error", err)
	}
}
