package pipeline

import (
	"context"
	"fmt"
	"time"

	"imu-svr/internal/codec"
	"imu-svr/internal/observability"
	"imu-svr/internal/sequence"
	"imu-svr/internal/sink"
)

// DeviceState es todo lo que el receptor sabe de un dispositivo en la
// sesión activa. Se descarta completo al rotar la sesión.
type DeviceState struct {
	ID   uint8
	Name string

	Tracker sequence.Tracker

	Packets    uint64
	Lost       uint64
	Rows       uint64
	Resets     uint64
	Duplicates uint64

	path string
	sink *sink.DeviceSink
}

// DeviceStatus es la foto de un DeviceState que se loguea y se publica.
type DeviceStatus struct {
	ID         uint8  `json:"id"`
	Name       string `json:"name"`
	Packets    uint64 `json:"packets"`
	Lost       uint64 `json:"lost"`
	Rows       uint64 `json:"rows"`
	Resets     uint64 `json:"resets"`
	Duplicates uint64 `json:"duplicates"`
	LastSeq    uint32 `json:"last_seq"`
	HasLast    bool   `json:"has_last"`
	File       string `json:"file"`
}

// SessionSummary se arma al cerrar una sesión.
type SessionSummary struct {
	Index   int            `json:"index"`
	Root    string         `json:"root"`
	Start   time.Time      `json:"start"`
	End     time.Time      `json:"end"`
	Devices []DeviceStatus `json:"devices"`
}

// StatusPublisher recibe la foto periódica de los dispositivos (redis).
type StatusPublisher interface {
	PublishStatus(ctx context.Context, session int, devices []DeviceStatus) error
}

// SummaryForwarder recibe el resumen de cada sesión cerrada (grpc).
type SummaryForwarder interface {
	ForwardSummary(ctx context.Context, summary SessionSummary) error
}

// SinkError es una falla de E/S sobre el CSV de un dispositivo. Se
// distingue de codec.ErrMalformedPacket: el datagrama era válido.
type SinkError struct {
	DeviceID uint8
	Device   string
	Err      error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("device %s (id %d): %v", e.Device, e.DeviceID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

func (d *DeviceState) Status() DeviceStatus {
	last, ok := d.Tracker.Last()
	return DeviceStatus{
		ID:         d.ID,
		Name:       d.Name,
		Packets:    d.Packets,
		Lost:       d.Lost,
		Rows:       d.Rows,
		Resets:     d.Resets,
		Duplicates: d.Duplicates,
		LastSeq:    last,
		HasLast:    ok,
		File:       d.path,
	}
}

func (d *DeviceState) write(b codec.Block) error {
	if err := d.sink.WriteBlock(b); err != nil {
		return err
	}
	d.Rows += uint64(len(b.Samples))
	observability.RowsWritten.WithLabelValues(d.Name).Add(float64(len(b.Samples)))
	return nil
}

// closeSink cierra el CSV y lo suelta; el próximo paquete lo vuelve a abrir.
func (d *DeviceState) closeSink() error {
	if d.sink == nil {
		return nil
	}
	err := d.sink.Close()
	d.sink = nil
	return err
}
