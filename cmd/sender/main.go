// sender simula los ESP32: manda datagramas IMU2 por UDP para varios
// dispositivos, con pérdida aleatoria y reinicio de secuencia opcionales.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"imu-svr/internal/codec"
	"imu-svr/internal/observability"
)

type options struct {
	target       string
	devices      []int
	rate         float64
	blockSamples int
	count        int
	drop         float64
	restartAfter int
}

func main() {
	var o options
	pflag.StringVarP(&o.target, "target", "t", "127.0.0.1:50000", "dirección host:puerto del receptor")
	pflag.IntSliceVarP(&o.devices, "devices", "d", []int{1, 2, 3, 4}, "ids de dispositivo a simular")
	pflag.Float64VarP(&o.rate, "rate", "r", 50, "paquetes por segundo por dispositivo")
	pflag.IntVarP(&o.blockSamples, "block-samples", "k", 21, "muestras por paquete (21 = 256 bytes, 85 = 1024 bytes)")
	pflag.IntVarP(&o.count, "count", "n", 0, "paquetes por dispositivo (0 = sin límite)")
	pflag.Float64Var(&o.drop, "drop", 0, "probabilidad de no mandar un paquete (simula pérdida)")
	pflag.IntVar(&o.restartAfter, "restart-after", 0, "reiniciar la secuencia en 0 después de N paquetes")
	logLevel := pflag.String("log-level", "info", "debug, info, warn o error")
	pflag.Parse()

	logger := observability.NewLogger(*logLevel)
	if err := o.validate(); err != nil {
		logger.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, logger); err != nil {
		logger.Error("sender failed", "error", err)
		os.Exit(1)
	}
}

func (o options) validate() error {
	if o.rate <= 0 {
		return fmt.Errorf("rate must be > 0")
	}
	if o.blockSamples <= 0 || codec.HeaderSize+o.blockSamples*codec.SampleSize+codec.FooterSize > codec.MaxDatagramLen {
		return fmt.Errorf("block-samples %d does not fit in a %d-byte datagram", o.blockSamples, codec.MaxDatagramLen)
	}
	if o.drop < 0 || o.drop >= 1 {
		return fmt.Errorf("drop must be in [0, 1)")
	}
	for _, id := range o.devices {
		if id < 0 || id > math.MaxUint8 {
			return fmt.Errorf("device id %d out of range", id)
		}
	}
	return nil
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	conn, err := net.Dial("udp", o.target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.target, err)
	}
	defer conn.Close()

	period := time.Duration(float64(time.Second) / o.rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	logger.Info("sending",
		"target", o.target,
		"devices", o.devices,
		"period", period,
		"payload_bytes", o.blockSamples*codec.SampleSize,
	)

	start := time.Now()
	// el receptor nunca lee los últimos 4 bytes como muestra; el firmware
	// manda ahí la secuencia
	footer := make([]byte, codec.FooterSize)

	var sent, dropped uint64
	seq := uint32(0)
	for n := 0; o.count == 0 || n < o.count; n++ {
		if o.restartAfter > 0 && n > 0 && n%o.restartAfter == 0 {
			logger.Info("sequence restart", "after", n)
			seq = 0
		}
		for _, id := range o.devices {
			if o.drop > 0 && rand.Float64() < o.drop {
				dropped++
				continue
			}
			binary.LittleEndian.PutUint32(footer, seq)
			h := codec.Header{
				DeviceID:    uint8(id),
				Seq:         seq,
				TimestampMs: uint32(time.Since(start).Milliseconds()),
			}
			if _, err := conn.Write(codec.Encode(h, samples(seq, o.blockSamples), footer)); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			sent++
		}
		seq++

		select {
		case <-ctx.Done():
			logger.Info("stopped", "sent", sent, "dropped", dropped)
			return nil
		case <-ticker.C:
		}
	}
	logger.Info("done", "sent", sent, "dropped", dropped)
	return nil
}

// samples arma una señal suave con algo de ruido; az ronda 1 g.
func samples(seq uint32, k int) []codec.Sample {
	out := make([]codec.Sample, k)
	for i := range out {
		t := float64(int(seq)*k+i) / 100
		out[i] = codec.Sample{
			Ax: int16(800 * math.Sin(t)),
			Ay: int16(800 * math.Cos(t)),
			Az: int16(4096 + rand.IntN(64) - 32),
			Gx: int16(rand.IntN(200) - 100),
			Gy: int16(rand.IntN(200) - 100),
			Gz: int16(300 * math.Sin(t/3)),
		}
	}
	return out
}
